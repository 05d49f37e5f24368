package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/position-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache of the
// per-user listings. Writes go to the primary store and invalidate the
// user's keys; reads check Redis first then fall back to the primary. Redis
// errors never fail a call.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	out, err := s.primary.CreateOrder(ctx, o)
	if err != nil {
		return model.Order{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	out, err := s.primary.UpdateOrder(ctx, o)
	if err != nil {
		return model.Order{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	out, err := s.primary.CreatePosition(ctx, p)
	if err != nil {
		return model.Position{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p model.Position) (model.Position, error) {
	out, err := s.primary.UpdatePosition(ctx, p)
	if err != nil {
		return model.Position{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, p model.Position) (model.Position, error) {
	out, err := s.primary.ClosePosition(ctx, p)
	if err != nil {
		return model.Position{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) CreateSettlement(ctx context.Context, st model.Settlement) (model.Settlement, error) {
	out, err := s.primary.CreateSettlement(ctx, st)
	if err != nil {
		return model.Settlement{}, err
	}
	s.invalidate(ctx, out.UserID)
	return out, nil
}

func (s *CachedStore) CommitFill(ctx context.Context, c model.FillCommit) (model.FillCommit, error) {
	out, err := s.primary.CommitFill(ctx, c)
	if err != nil {
		return model.FillCommit{}, err
	}
	s.invalidate(ctx, out.Order.UserID)
	return out, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	var orders []model.Order
	if s.load(ctx, ordersKey(userID), &orders) {
		return orders, nil
	}

	orders, err := s.primary.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, ordersKey(userID), orders)
	return orders, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(userID, status), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionsKey(userID, status), positions)
	return positions, nil
}

func (s *CachedStore) ListSettlements(ctx context.Context, userID string) ([]model.Settlement, error) {
	var settlements []model.Settlement
	if s.load(ctx, settlementsKey(userID), &settlements) {
		return settlements, nil
	}

	settlements, err := s.primary.ListSettlements(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, settlementsKey(userID), settlements)
	return settlements, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	s.rdb.Del(ctx,
		ordersKey(userID),
		settlementsKey(userID),
		positionsKey(userID, ""),
		positionsKey(userID, model.PositionOpen),
		positionsKey(userID, model.PositionClosed),
	)
}

func ordersKey(uid string) string      { return fmt.Sprintf("orders:%s", uid) }
func settlementsKey(uid string) string { return fmt.Sprintf("settlements:%s", uid) }

func positionsKey(uid string, status model.PositionStatus) string {
	if status == "" {
		status = "all"
	}
	return fmt.Sprintf("positions:%s:%s", uid, status)
}
