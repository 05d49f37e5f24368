// Package store defines the persistence boundary of the position engine.
// Implementations include in-memory (ephemeral, one per anonymous session),
// PostgreSQL and GORM/SQLite (durable), and a Redis read-through cache that
// wraps a durable store.
//
// Every write returns the canonical stored record; the store assigns missing
// ids and timestamps.
package store

import (
	"context"

	"github.com/atmx/position-engine/internal/model"
)

// Store is the persistence interface shared by every backend.
type Store interface {
	// --- Orders ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)

	// UpdateOrder writes a status or fill transition. Terminal orders are
	// never changed again (model.ErrInvalidTransition).
	UpdateOrder(ctx context.Context, o model.Order) (model.Order, error)

	// ListOrders returns a user's orders, oldest first.
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)

	// --- Positions ---

	// CreatePosition persists a newly opened position.
	CreatePosition(ctx context.Context, p model.Position) (model.Position, error)

	// UpdatePosition rewrites an open position. A closed position is never
	// resurrected: the call fails with model.ErrAlreadyClosed.
	UpdatePosition(ctx context.Context, p model.Position) (model.Position, error)

	// ClosePosition marks a position closed. Idempotent.
	ClosePosition(ctx context.Context, p model.Position) (model.Position, error)

	// ListPositions returns a user's positions in the given status, or all
	// of them when status is empty, oldest first.
	ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error)

	// --- Settlements ---

	// CreateSettlement appends an immutable settlement. Idempotent per
	// position: a retry returns the settlement already stored.
	CreateSettlement(ctx context.Context, s model.Settlement) (model.Settlement, error)

	// ListSettlements returns a user's settlements, oldest first.
	ListSettlements(ctx context.Context, userID string) ([]model.Settlement, error)

	// --- Fills ---

	// CommitFill persists the order transition and every position change
	// of one fill atomically.
	CommitFill(ctx context.Context, c model.FillCommit) (model.FillCommit, error)
}
