package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Anonymous sessions get
// their own instance, dropped when the session ends.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]model.Order
	positions   map[string]model.Position
	settlements map[string]model.Settlement // keyed by position id
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]model.Order),
		positions:   make(map[string]model.Position),
		settlements: make(map[string]model.Settlement),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, o model.Order) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrder(o), nil
}

func (s *MemoryStore) createOrder(o model.Order) model.Order {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		o.LimitPrice = &lp
	}
	s.orders[o.ID] = o
	return o
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o model.Order) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOrder(o); err != nil {
		return model.Order{}, err
	}
	return s.updateOrder(o), nil
}

func (s *MemoryStore) checkOrder(o model.Order) error {
	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, o.ID)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, o.ID, cur.Status)
	}
	return nil
}

func (s *MemoryStore) updateOrder(o model.Order) model.Order {
	cur := s.orders[o.ID]
	cur.Status = o.Status
	cur.FilledQuantity = o.FilledQuantity
	cur.RemainingQuantity = o.RemainingQuantity
	cur.AvgFillPrice = o.AvgFillPrice
	cur.UpdatedAt = o.UpdatedAt
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = s.now()
	}
	s.orders[o.ID] = cur
	return cur
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) ||
			(result[i].CreatedAt.Equal(result[j].CreatedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPosition(p), nil
}

func (s *MemoryStore) createPosition(p model.Position) model.Position {
	p = p.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now()
	}
	p.Status = model.PositionOpen
	p.ClosedAt = nil
	s.positions[p.ID] = p
	return p.Clone()
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(p.ID); err != nil {
		return model.Position{}, err
	}
	return s.updatePosition(p), nil
}

func (s *MemoryStore) checkOpen(id string) error {
	cur, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: position %s", model.ErrNotFound, id)
	}
	if cur.Status == model.PositionClosed {
		return fmt.Errorf("%w: %s", model.ErrAlreadyClosed, id)
	}
	return nil
}

func (s *MemoryStore) updatePosition(p model.Position) model.Position {
	p = p.Clone()
	cur := s.positions[p.ID]
	p.Status = model.PositionOpen
	p.OpenedAt = cur.OpenedAt
	p.ClosedAt = nil
	s.positions[p.ID] = p
	return p.Clone()
}

func (s *MemoryStore) ClosePosition(_ context.Context, p model.Position) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, p.ID)
	}
	return s.closePosition(p), nil
}

func (s *MemoryStore) closePosition(p model.Position) model.Position {
	cur := s.positions[p.ID]
	if cur.Status == model.PositionClosed {
		return cur.Clone()
	}
	at := s.now()
	if p.ClosedAt != nil {
		at = *p.ClosedAt
	}
	cur.Status = model.PositionClosed
	cur.ClosedAt = &at
	s.positions[p.ID] = cur
	return cur.Clone()
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && (status == "" || p.Status == status) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt) ||
			(result[i].OpenedAt.Equal(result[j].OpenedAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

func (s *MemoryStore) CreateSettlement(_ context.Context, st model.Settlement) (model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSettlement(st), nil
}

func (s *MemoryStore) createSettlement(st model.Settlement) model.Settlement {
	if existing, ok := s.settlements[st.PositionRef]; ok {
		return existing
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.SettledAt.IsZero() {
		st.SettledAt = s.now()
	}
	s.settlements[st.PositionRef] = st
	return st
}

func (s *MemoryStore) ListSettlements(_ context.Context, userID string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, st := range s.settlements {
		if st.UserID == userID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SettledAt.Before(result[j].SettledAt) ||
			(result[i].SettledAt.Equal(result[j].SettledAt) && result[i].ID < result[j].ID)
	})
	return result, nil
}

// CommitFill validates every part of the change set before applying any of
// it, all under one lock.
func (s *MemoryStore) CommitFill(_ context.Context, c model.FillCommit) (model.FillCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOrder(c.Order); err != nil {
		return model.FillCommit{}, err
	}
	for _, p := range c.Updated {
		if err := s.checkOpen(p.ID); err != nil {
			return model.FillCommit{}, err
		}
	}
	for _, cp := range c.Closed {
		if err := s.checkOpen(cp.Position.ID); err != nil {
			return model.FillCommit{}, err
		}
	}

	out := model.FillCommit{Order: s.updateOrder(c.Order)}
	for _, cp := range c.Closed {
		out.Closed = append(out.Closed, model.ClosedPosition{
			Position:   s.closePosition(cp.Position),
			Settlement: s.createSettlement(cp.Settlement),
		})
	}
	for _, p := range c.Updated {
		out.Updated = append(out.Updated, s.updatePosition(p))
	}
	for _, p := range c.Opened {
		out.Opened = append(out.Opened, s.createPosition(p))
	}
	return out, nil
}
