// Package engine runs the position and order simulation of one session: it
// owns the order and position ledgers, routes price ticks through the TP/SL
// evaluator, drives the fill simulation and writes settlements through the
// session's store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/order"
	"github.com/atmx/position-engine/internal/orderbook"
	"github.com/atmx/position-engine/internal/position"
	"github.com/atmx/position-engine/internal/pricefeed"
	"github.com/atmx/position-engine/internal/risk"
	"github.com/atmx/position-engine/internal/scheduler"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/store"
	"github.com/atmx/position-engine/internal/telemetry"
	"github.com/atmx/position-engine/internal/tpsl"
)

// Books serves aggregated order books.
type Books interface {
	Book(optionID string, step decimal.Decimal) (orderbook.Book, error)
}

// Config tunes one session.
type Config struct {
	StartingBalance   decimal.Decimal
	Limits            risk.Limits
	MaxLeverage       int
	PartialFills      bool
	LiquidationBuffer decimal.Decimal
	FillInterval      time.Duration
	PriceBuffer       int
}

// DefaultStartingBalance is the simulated cash of a new session.
var DefaultStartingBalance = decimal.NewFromInt(10000)

// Deps are the collaborators shared across sessions, plus the session's store.
type Deps struct {
	Store     store.Store
	Feed      *pricefeed.Feed
	Catalog   *event.Catalog
	Calc      *settlement.Calculator
	Books     Books
	Publisher events.Publisher
	Logger    *slog.Logger
	Rand      *rand.Rand
}

// Engine is the simulation of one session.
type Engine struct {
	sessionID string
	userID    string
	cfg       Config

	store   store.Store
	feed    *pricefeed.Feed
	catalog *event.Catalog
	books   Books
	pub     events.Publisher
	log     *slog.Logger

	positions *position.Ledger
	orders    *order.Ledger
	evaluator *tpsl.Evaluator
	outbox    *settlement.Outbox
	risk      *risk.Checker

	// tick serializes price ticks, fill ticks and event resolution.
	tick sync.Mutex

	mu       sync.Mutex
	realized decimal.Decimal
	now      func() time.Time
}

// New wires the engine of one session.
func New(sessionID, userID string, cfg Config, deps Deps) *Engine {
	if cfg.StartingBalance.IsZero() {
		cfg.StartingBalance = DefaultStartingBalance
	}
	if !cfg.LiquidationBuffer.IsPositive() {
		cfg.LiquidationBuffer = tpsl.DefaultLiquidationBuffer
	}
	if cfg.FillInterval <= 0 {
		cfg.FillInterval = time.Second
	}
	if deps.Calc == nil {
		deps.Calc = settlement.NewCalculator(settlement.DefaultFees())
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	e := &Engine{
		sessionID: sessionID,
		userID:    userID,
		cfg:       cfg,
		store:     deps.Store,
		feed:      deps.Feed,
		catalog:   deps.Catalog,
		books:     deps.Books,
		pub:       deps.Publisher,
		log:       deps.Logger.With("session", sessionID),
		outbox:    settlement.NewOutbox(),
		now:       time.Now,
	}
	e.positions = position.NewLedger(deps.Catalog, deps.Calc, cfg.LiquidationBuffer)
	e.risk = risk.NewChecker(cfg.StartingBalance, cfg.Limits, e, deps.Calc, deps.Catalog)
	e.orders = order.NewLedger(deps.Store, e.positions, deps.Feed, deps.Catalog, e.risk,
		order.Config{MaxLeverage: cfg.MaxLeverage, PartialFills: cfg.PartialFills}, deps.Rand)
	e.evaluator = tpsl.NewEvaluator(e.positions, e, cfg.LiquidationBuffer, e.log)
	return e
}

// SessionID returns the id of the session the engine belongs to.
func (e *Engine) SessionID() string { return e.sessionID }

// UserID returns the owner of the session's records.
func (e *Engine) UserID() string { return e.userID }

// SetClock replaces the time source of the engine and its order ledger.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
	e.orders.SetClock(now)
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

func persistErr(err error) error {
	if errors.Is(err, model.ErrPersistenceFailure) ||
		errors.Is(err, model.ErrAlreadyClosed) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrPersistenceFailure, err)
}

func (e *Engine) publish(ctx context.Context, kind events.Kind, payload any) {
	_ = e.pub.Publish(ctx, events.New(kind, e.sessionID, e.userID, payload))
}

// --- risk.State ---

// OpenPositions returns the session's open positions.
func (e *Engine) OpenPositions() []model.Position {
	return e.positions.Open()
}

// RealizedPnL is the sum of net PnL over every settlement of the session,
// including the ones still waiting to be written.
func (e *Engine) RealizedPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realized
}

func (e *Engine) recordSettlement(ctx context.Context, s model.Settlement) {
	e.mu.Lock()
	e.realized = e.realized.Add(s.NetPnL)
	e.mu.Unlock()
	metrics.Settlements.WithLabelValues(string(s.Reason), string(s.Result)).Inc()
	e.publish(ctx, events.KindSettlement, s)
}

// --- Commands ---

func rejectCause(err error) string {
	switch {
	case errors.Is(err, risk.ErrExposureLimit):
		return "exposure_limit"
	case errors.Is(err, model.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrPersistenceFailure):
		return "persistence"
	default:
		return "other"
	}
}

// PlaceOrder validates and records a new order. It fills on a later fill tick.
func (e *Engine) PlaceOrder(ctx context.Context, req order.Request) (o model.Order, err error) {
	ctx, span := telemetry.Start(ctx, "engine.PlaceOrder",
		attribute.String("session.id", e.sessionID),
		attribute.String("option.id", req.OptionRef),
		attribute.String("order.type", string(req.Type)),
	)
	defer func() { telemetry.End(span, err) }()

	req.UserID = e.userID
	o, err = e.orders.Place(ctx, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectCause(err)).Inc()
		e.log.Info("order rejected", "option_id", req.OptionRef, "err", err)
		return model.Order{}, err
	}
	e.log.Info("order placed", "order_id", o.ID, "side", o.Side, "type", o.Type, "option_id", o.OptionRef, "notional", o.RequestedNotional)
	e.publish(ctx, events.KindOrder, o)
	return o, nil
}

// CancelOrder cancels a working order.
func (e *Engine) CancelOrder(ctx context.Context, id string) (o model.Order, err error) {
	ctx, span := telemetry.Start(ctx, "engine.CancelOrder", attribute.String("order.id", id))
	defer func() { telemetry.End(span, err) }()

	o, err = e.orders.Cancel(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	e.log.Info("order cancelled", "order_id", id)
	e.publish(ctx, events.KindOrder, o)
	return o, nil
}

// Close claims a position and settles it at exit. Exactly one caller wins;
// the others get model.ErrAlreadyClosed. A failed settlement write is
// queued for retry and the settlement is still returned.
func (e *Engine) Close(ctx context.Context, positionID string, exit decimal.Decimal, reason model.CloseReason) (model.Settlement, error) {
	return e.closeWith(ctx, positionID, reason, func(model.Position) decimal.Decimal { return exit })
}

func (e *Engine) closeWith(ctx context.Context, positionID string, reason model.CloseReason, exitOf func(model.Position) decimal.Decimal) (model.Settlement, error) {
	p, err := e.positions.Claim(positionID)
	if err != nil {
		return model.Settlement{}, err
	}
	c := e.positions.Settle(p, exitOf(p), e.clock(), reason)

	written, err := settlement.Persist(ctx, e.store, c)
	if err != nil {
		e.log.Warn("settlement write failed, queued for retry", "position_id", p.ID, "settlement_id", c.Settlement.ID, "err", err)
		e.outbox.Add(c)
		written = c
	}
	e.log.Info("position closed", "position_id", p.ID, "reason", reason, "exit", c.Settlement.ExitPrice, "net_pnl", c.Settlement.NetPnL)
	e.recordSettlement(ctx, written.Settlement)
	return written.Settlement, nil
}

// ClosePosition closes a position manually at the current mark. Without a
// quote the position closes at its entry price.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) (s model.Settlement, err error) {
	ctx, span := telemetry.Start(ctx, "engine.ClosePosition", attribute.String("position.id", positionID))
	defer func() { telemetry.End(span, err) }()

	return e.closeWith(ctx, positionID, model.CloseManual, func(p model.Position) decimal.Decimal {
		mark, err := e.feed.Mark(p.OptionRef)
		if err != nil {
			return p.EntryPrice
		}
		return mark
	})
}

// UpdateTpSl replaces the thresholds of an open position; nil clears one.
func (e *Engine) UpdateTpSl(ctx context.Context, positionID string, tp, sl *model.Threshold) (v model.PositionView, err error) {
	ctx, span := telemetry.Start(ctx, "engine.UpdateTpSl", attribute.String("position.id", positionID))
	defer func() { telemetry.End(span, err) }()

	p, err := e.positions.UpdateTpSl(ctx, positionID, tp, sl, func(ctx context.Context, p model.Position) (model.Position, error) {
		stored, err := e.store.UpdatePosition(ctx, p)
		if err != nil {
			return model.Position{}, persistErr(err)
		}
		return stored, nil
	})
	if err != nil {
		return model.PositionView{}, err
	}
	v = e.view(p)
	e.publish(ctx, events.KindPosition, v)
	return v, nil
}

// ResolveEvent settles every open position of an externally resolved event:
// the winning option exits at 1, every other option at 0. Working orders on
// the event are cancelled.
func (e *Engine) ResolveEvent(ctx context.Context, eventID, winningOptionID string) (out []model.Settlement, err error) {
	ctx, span := telemetry.Start(ctx, "engine.ResolveEvent",
		attribute.String("session.id", e.sessionID),
		attribute.String("event.id", eventID),
	)
	defer func() { telemetry.End(span, err) }()

	e.tick.Lock()
	defer e.tick.Unlock()

	var errs []error
	for _, o := range e.orders.Pending() {
		if o.EventRef != eventID {
			continue
		}
		if _, err := e.CancelOrder(ctx, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
		}
	}

	for _, p := range e.positions.OpenForEvent(eventID) {
		exit := decimal.Zero
		if p.OptionRef == winningOptionID {
			exit = decimal.NewFromInt(1)
		}
		s, err := e.Close(ctx, p.ID, exit, model.CloseExternalResolution)
		if errors.Is(err, model.ErrAlreadyClosed) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.ID, err))
			continue
		}
		out = append(out, s)
	}
	if len(out) > 0 {
		e.log.Info("event resolved", "event_id", eventID, "winner", winningOptionID, "settled", len(out))
	}
	return out, errors.Join(errs...)
}

// SettleResolved settles whatever the session still holds on events that
// were resolved while it was not live, e.g. positions restored from the
// durable store after the owner was offline.
func (e *Engine) SettleResolved(ctx context.Context) ([]model.Settlement, error) {
	if e.catalog == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	var ids []string
	add := func(eventID string) {
		if !seen[eventID] {
			seen[eventID] = true
			ids = append(ids, eventID)
		}
	}
	for _, p := range e.positions.Open() {
		add(p.EventRef)
	}
	for _, o := range e.orders.Pending() {
		add(o.EventRef)
	}

	var (
		out  []model.Settlement
		errs []error
	)
	for _, id := range ids {
		winner, ok := e.catalog.Winner(id)
		if !ok {
			continue
		}
		settled, err := e.ResolveEvent(ctx, id, winner)
		out = append(out, settled...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// --- Ticks ---

// OnPrice marks the tick's positions to market and closes whatever the
// tick triggers.
func (e *Engine) OnPrice(ctx context.Context, u model.PriceUpdate) ([]model.Settlement, error) {
	e.tick.Lock()
	defer e.tick.Unlock()

	views := e.positions.MarkToMarket(u)
	if len(views) == 0 {
		return nil, nil
	}
	e.publish(ctx, events.KindPosition, views)
	return e.evaluator.OnPrice(ctx, u)
}

// FillTick simulates fills for every working order, then retries queued
// settlement writes.
func (e *Engine) FillTick(ctx context.Context) ([]model.FillCommit, error) {
	e.tick.Lock()
	defer e.tick.Unlock()

	fills, errs := e.orders.FillPending(ctx)
	for _, c := range fills {
		e.log.Info("order filled", "order_id", c.Order.ID, "status", c.Order.Status,
			"filled", c.Order.FilledQuantity, "avg_price", c.Order.AvgFillPrice)
		e.publish(ctx, events.KindFill, c)
		for _, closed := range c.Closed {
			e.recordSettlement(ctx, closed.Settlement)
		}
	}

	if e.outbox.Len() > 0 {
		flushed, err := e.outbox.Flush(ctx, e.store)
		if len(flushed) > 0 {
			e.log.Info("queued settlements written", "count", len(flushed))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return fills, errors.Join(errs...)
}

// Run feeds price ticks into OnPrice and schedules the fill tick until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	updates, cancel := e.feed.Subscribe(e.cfg.PriceBuffer)
	defer cancel()

	done := scheduler.Go(ctx, scheduler.Task{
		Name:     "fill-tick:" + e.sessionID,
		Interval: e.cfg.FillInterval,
		Fn: func(ctx context.Context) {
			if _, err := e.FillTick(ctx); err != nil {
				e.log.Warn("fill tick", "err", err)
			}
		},
	})
	defer func() { <-done }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := e.OnPrice(ctx, u); err != nil {
				e.log.Warn("price tick", "option_id", u.OptionID, "err", err)
			}
		}
	}
}

// Restore reloads the session's open positions, orders and realized PnL
// from its store.
func (e *Engine) Restore(ctx context.Context) error {
	positions, err := e.store.ListPositions(ctx, e.userID, model.PositionOpen)
	if err != nil {
		return persistErr(err)
	}
	orders, err := e.store.ListOrders(ctx, e.userID)
	if err != nil {
		return persistErr(err)
	}
	settlements, err := e.store.ListSettlements(ctx, e.userID)
	if err != nil {
		return persistErr(err)
	}

	e.positions.Restore(positions)
	e.orders.Restore(orders)
	realized := decimal.Zero
	for _, s := range settlements {
		realized = realized.Add(s.NetPnL)
	}
	e.mu.Lock()
	e.realized = realized
	e.mu.Unlock()
	e.log.Info("session restored", "positions", len(positions), "orders", len(orders), "settlements", len(settlements))
	return nil
}

// Release drops the session's in-memory state.
func (e *Engine) Release() {
	e.positions.Release()
}

// --- Queries ---

func (e *Engine) view(p model.Position) model.PositionView {
	mark, err := e.feed.Mark(p.OptionRef)
	if err != nil {
		mark = p.EntryPrice
	}
	return position.View(p, mark, e.positions.Buffer())
}

// Positions returns every open position with its mark-derived fields.
func (e *Engine) Positions() []model.PositionView {
	return e.positions.Views(e.feed)
}

// Position returns one open position.
func (e *Engine) Position(id string) (model.PositionView, error) {
	p, ok := e.positions.Get(id)
	if !ok {
		return model.PositionView{}, fmt.Errorf("%w: position %s", model.ErrNotFound, id)
	}
	return e.view(p), nil
}

// Orders returns every order of the session, oldest first.
func (e *Engine) Orders() []model.Order {
	return e.orders.List()
}

// Order returns one order.
func (e *Engine) Order(id string) (model.Order, error) {
	o, ok := e.orders.Get(id)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return o, nil
}

// Settlements returns the session's settlements, oldest first, including
// the ones still waiting to be written.
func (e *Engine) Settlements(ctx context.Context) ([]model.Settlement, error) {
	stored, err := e.store.ListSettlements(ctx, e.userID)
	if err != nil {
		return nil, persistErr(err)
	}
	seen := make(map[string]struct{}, len(stored))
	for _, s := range stored {
		seen[s.PositionRef] = struct{}{}
	}
	for _, c := range e.outbox.Pending() {
		if _, ok := seen[c.Settlement.PositionRef]; !ok {
			stored = append(stored, c.Settlement)
		}
	}
	return stored, nil
}

// PendingWrites returns the number of settlements waiting to be written.
func (e *Engine) PendingWrites() int {
	return e.outbox.Len()
}

// Account summarizes the session's funds at current marks.
func (e *Engine) Account() model.Account {
	unrealized := decimal.Zero
	for _, v := range e.Positions() {
		unrealized = unrealized.Add(v.UnrealizedPnL)
	}
	return e.risk.Account(e.userID, e.orders.ReservedMargin(), unrealized)
}

// OrderBook returns the aggregated book of an option at step.
func (e *Engine) OrderBook(optionID string, step decimal.Decimal) (orderbook.Book, error) {
	if e.books == nil {
		return orderbook.Book{}, orderbook.ErrNoDepth
	}
	return e.books.Book(optionID, step)
}
