// Package session maps client sessions onto engines and picks each
// engine's store by identity: anonymous sessions get a private in-memory
// store that is dropped when the session ends; authenticated users share one
// engine over the durable store, however many sessions they open.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/position-engine/internal/engine"
	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/scheduler"
	"github.com/atmx/position-engine/internal/store"
)

var (
	ErrUnknownSession   = errors.New("session: unknown session")
	ErrIdentityMismatch = errors.New("session: session belongs to another identity")
	ErrAlreadyResolved  = errors.New("session: event already resolved")
	ErrClosed           = errors.New("session: manager closed")
)

const (
	KindAnonymous     = "anonymous"
	KindAuthenticated = "authenticated"
)

// AnonymousPrefix marks the synthetic user id given to anonymous sessions.
const AnonymousPrefix = "anon-"

type entry struct {
	engine *engine.Engine
	kind   string
	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	// ready is closed once the engine is restored and running, or once
	// opening failed with err.
	ready chan struct{}
	err   error
}

type sessionState struct {
	key     string
	touched time.Time
	holds   int
}

// Manager owns every live engine.
type Manager struct {
	mu       sync.Mutex
	engines  map[string]*entry        // owner key -> engine
	sessions map[string]*sessionState // session id -> owner key
	closed   bool
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	durable store.Store
	deps    engine.Deps
	cfg     engine.Config
	log     *slog.Logger

	onResolve []func(eventID string)
}

// NewManager creates a manager. Engines run until ctx is done or their
// session ends. durable may be nil, in which case authenticated users also
// get a private in-memory store per engine.
func NewManager(ctx context.Context, durable store.Store, deps engine.Deps, cfg engine.Config) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		engines:  make(map[string]*entry),
		sessions: make(map[string]*sessionState),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		durable:  durable,
		deps:     deps,
		cfg:      cfg,
		log:      log,
	}
}

// SetClock replaces the time source used for idle tracking.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// OnResolve registers a hook run once per resolved event, before the
// engines settle it.
func (m *Manager) OnResolve(fn func(eventID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolve = append(m.onResolve, fn)
}

func ownerKey(sessionID, userID string) (key, owner, kind string) {
	if userID == "" {
		owner = AnonymousPrefix + sessionID
		return owner, owner, KindAnonymous
	}
	return "user:" + userID, userID, KindAuthenticated
}

// Open attaches a session to its engine, creating and starting the engine
// if needed. An empty sessionID gets a fresh one. Reopening a session with
// a different identity fails: a session never switches stores.
//
// The durable store is read without holding the manager lock; concurrent
// opens of the same owner wait for the first one to finish.
func (m *Manager) Open(ctx context.Context, sessionID, userID string) (string, *engine.Engine, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	key, owner, kind := ownerKey(sessionID, userID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", nil, ErrClosed
	}

	if s, ok := m.sessions[sessionID]; ok {
		if s.key != key {
			m.mu.Unlock()
			return "", nil, fmt.Errorf("%w: %s", ErrIdentityMismatch, sessionID)
		}
		s.touched = m.now()
		e := m.engines[key]
		m.mu.Unlock()
		return m.await(sessionID, e)
	}

	if e, ok := m.engines[key]; ok {
		e.refs++
		m.sessions[sessionID] = &sessionState{key: key, touched: m.now()}
		m.mu.Unlock()
		return m.await(sessionID, e)
	}

	st := m.durable
	if kind == KindAnonymous || st == nil {
		st = store.NewMemoryStore()
	}
	deps := m.deps
	deps.Store = st
	e := &entry{
		engine: engine.New(key, owner, m.cfg, deps),
		kind:   kind,
		refs:   1,
		ready:  make(chan struct{}),
	}
	m.engines[key] = e
	m.sessions[sessionID] = &sessionState{key: key, touched: m.now()}
	m.mu.Unlock()

	if err := m.start(ctx, key, e); err != nil {
		return "", nil, err
	}

	// Events resolved while this owner had no live engine.
	settled, err := e.engine.SettleResolved(ctx)
	if err != nil {
		m.log.Warn("settling resolved events failed", "session", key, "err", err)
	}
	if len(settled) > 0 {
		m.log.Info("resolved events settled on open", "session", key, "settlements", len(settled))
	}
	m.log.Info("session opened", "session", sessionID, "kind", kind)
	return sessionID, e.engine, nil
}

func (m *Manager) await(sessionID string, e *entry) (string, *engine.Engine, error) {
	<-e.ready
	if e.err != nil {
		return "", nil, e.err
	}
	return sessionID, e.engine, nil
}

// start restores an authenticated engine and launches its loop. On failure
// the placeholder and every session waiting on it are dropped.
func (m *Manager) start(ctx context.Context, key string, e *entry) error {
	var err error
	if e.kind == KindAuthenticated {
		err = e.engine.Restore(ctx)
	}

	m.mu.Lock()
	if err == nil && m.closed {
		err = ErrClosed
	}
	if err != nil {
		e.err = err
		if m.engines[key] == e {
			delete(m.engines, key)
		}
		for id, s := range m.sessions {
			if s.key == key {
				delete(m.sessions, id)
			}
		}
		m.mu.Unlock()
		close(e.ready)
		e.engine.Release()
		return err
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := e.engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("engine stopped", "session", key, "err", err)
		}
	}()
	metrics.ActiveSessions.WithLabelValues(e.kind).Inc()
	m.mu.Unlock()
	close(e.ready)
	return nil
}

// Get returns the engine of a session.
func (m *Manager) Get(sessionID string) (*engine.Engine, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	s.touched = m.now()
	e := m.engines[s.key]
	m.mu.Unlock()

	<-e.ready
	if e.err != nil {
		return nil, false
	}
	return e.engine, true
}

// Hold pins a session against idle reaping until the returned func is
// called, e.g. for the lifetime of a WebSocket connection.
func (m *Manager) Hold(sessionID string) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return func() {}
	}
	s.holds++
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			s.holds--
			s.touched = m.now()
			m.mu.Unlock()
		})
	}
}

// End detaches a session. The engine stops once its last session ends; an
// anonymous engine takes its memory store with it.
func (m *Manager) End(sessionID string) error {
	ended, err := m.end(sessionID, nil)
	if err != nil {
		return err
	}
	if !ended {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

// end detaches sessionID if keep is nil or approves its state.
func (m *Manager) end(sessionID string, keep func(*sessionState) bool) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	e := m.engines[s.key]
	m.mu.Unlock()
	<-e.ready

	m.mu.Lock()
	if cur, ok := m.sessions[sessionID]; !ok || cur != s {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if keep != nil && !keep(s) {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.sessions, sessionID)
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return true, nil
	}
	delete(m.engines, s.key)
	m.mu.Unlock()

	m.stop(e)
	m.log.Info("session ended", "session", sessionID, "kind", e.kind)
	return true, nil
}

// Reap ends every session untouched for longer than idle and not held
// open. It returns the ids it ended.
func (m *Manager) Reap(idle time.Duration) []string {
	m.mu.Lock()
	cutoff := m.now().Add(-idle)
	var stale []string
	for id, s := range m.sessions {
		if s.holds == 0 && s.touched.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	idleSince := func(s *sessionState) bool {
		return s.holds == 0 && s.touched.Before(cutoff)
	}
	var ended []string
	for _, id := range stale {
		if ok, _ := m.end(id, idleSince); ok {
			ended = append(ended, id)
		}
	}
	if len(ended) > 0 {
		m.log.Info("idle sessions reaped", "count", len(ended), "idle", idle)
	}
	return ended
}

// ReapIdle runs Reap every interval until ctx is done.
func (m *Manager) ReapIdle(ctx context.Context, idle, interval time.Duration) {
	scheduler.Run(ctx, scheduler.Task{
		Name:     "session-reaper",
		Interval: interval,
		Fn:       func(context.Context) { m.Reap(idle) },
	})
}

func (m *Manager) stop(e *entry) {
	<-e.ready
	if e.err != nil {
		return
	}
	e.cancel()
	<-e.done
	e.engine.Release()
	metrics.ActiveSessions.WithLabelValues(e.kind).Dec()
}

// Each calls fn for every running engine.
func (m *Manager) Each(fn func(*engine.Engine)) {
	m.mu.Lock()
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		select {
		case <-e.ready:
			if e.err == nil {
				engines = append(engines, e.engine)
			}
		default:
			// Still opening: the opener settles resolved events itself.
		}
	}
	m.mu.Unlock()
	for _, e := range engines {
		fn(e)
	}
}

// Len returns the number of live engines.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// Resolution is the payload broadcast when an event resolves.
type Resolution struct {
	EventID         string `json:"event_id"`
	WinningOptionID string `json:"winning_option_id"`
}

// Resolve marks an event resolved with the given winning option and
// settles it in every running engine concurrently. Owners without a live
// engine are settled the next time one of their sessions opens.
func (m *Manager) Resolve(ctx context.Context, catalog *event.Catalog, eventID, winningOptionID string) ([]model.Settlement, error) {
	if _, _, err := catalog.Resolve(eventID, winningOptionID); err != nil {
		return nil, err
	}
	changed, err := catalog.MarkResolved(eventID, winningOptionID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, eventID)
	}

	m.mu.Lock()
	hooks := append([]func(string){}, m.onResolve...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(eventID)
	}
	if m.deps.Publisher != nil {
		_ = m.deps.Publisher.Publish(ctx, events.New(events.KindResolution, "", "", Resolution{
			EventID:         eventID,
			WinningOptionID: winningOptionID,
		}))
	}

	var (
		mu  sync.Mutex
		out []model.Settlement
	)
	g, gctx := errgroup.WithContext(ctx)
	m.Each(func(e *engine.Engine) {
		g.Go(func() error {
			settled, err := e.ResolveEvent(gctx, eventID, winningOptionID)
			mu.Lock()
			out = append(out, settled...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s: %w", e.SessionID(), err)
			}
			return nil
		})
	})
	err = g.Wait()
	m.log.Info("event resolved", "event_id", eventID, "winner", winningOptionID, "settlements", len(out))
	return out, err
}

// Close stops every engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.engines))
	for _, e := range m.engines {
		entries = append(entries, e)
	}
	m.engines = make(map[string]*entry)
	m.sessions = make(map[string]*sessionState)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			m.stop(e)
			return nil
		})
	}
	err := g.Wait()
	m.cancel()
	return err
}
