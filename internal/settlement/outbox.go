package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
)

// Writer is the part of the store the outbox retries against. Both calls
// must be idempotent.
type Writer interface {
	ClosePosition(ctx context.Context, p model.Position) (model.Position, error)
	CreateSettlement(ctx context.Context, s model.Settlement) (model.Settlement, error)
}

// Outbox holds closes whose durable write failed. The position has already
// left the open set, so the entry is retried until the store accepts it.
type Outbox struct {
	mu      sync.Mutex
	pending []model.ClosedPosition
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Add queues a close for retry.
func (o *Outbox) Add(c model.ClosedPosition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, c)
	metrics.PendingSettlementWrites.Inc()
}

// Pending returns a copy of the queued closes, oldest first.
func (o *Outbox) Pending() []model.ClosedPosition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.ClosedPosition, len(o.pending))
	copy(out, o.pending)
	return out
}

// Len returns the queue size.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush retries every queued close in order and returns the ones the store
// accepted. Entries that fail again stay queued; the joined error reports them.
func (o *Outbox) Flush(ctx context.Context, w Writer) ([]model.ClosedPosition, error) {
	o.mu.Lock()
	queue := o.pending
	o.pending = nil
	o.mu.Unlock()

	var (
		done   []model.ClosedPosition
		failed []model.ClosedPosition
		errs   []error
	)
	for _, c := range queue {
		if ctx.Err() != nil {
			failed = append(failed, c)
			continue
		}
		written, err := Persist(ctx, w, c)
		if err != nil {
			slog.Warn("settlement retry failed", "position_id", c.Position.ID, "settlement_id", c.Settlement.ID, "err", err)
			failed = append(failed, c)
			errs = append(errs, err)
			continue
		}
		done = append(done, written)
	}

	o.mu.Lock()
	o.pending = append(failed, o.pending...)
	o.mu.Unlock()
	metrics.PendingSettlementWrites.Sub(float64(len(done)))

	return done, errors.Join(errs...)
}

// Persist writes the closed position and then its settlement.
func Persist(ctx context.Context, w Writer, c model.ClosedPosition) (model.ClosedPosition, error) {
	pos, err := w.ClosePosition(ctx, c.Position)
	if err != nil {
		return c, err
	}
	s, err := w.CreateSettlement(ctx, c.Settlement)
	if err != nil {
		return c, err
	}
	return model.ClosedPosition{Position: pos, Settlement: s}, nil
}
