package tpsl

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
)

// Source lists the open positions marked by an option's price.
type Source interface {
	OpenFor(optionID string) []model.Position
}

// Closer closes a position at an exit price. It returns
// model.ErrAlreadyClosed when another closer won.
type Closer interface {
	Close(ctx context.Context, positionID string, exit decimal.Decimal, reason model.CloseReason) (model.Settlement, error)
}

// Evaluator checks every open position of an option on each price tick.
type Evaluator struct {
	source Source
	closer Closer
	buffer decimal.Decimal
	logger *slog.Logger
}

// NewEvaluator creates an evaluator using the given liquidation buffer.
func NewEvaluator(source Source, closer Closer, buffer decimal.Decimal, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{source: source, closer: closer, buffer: buffer, logger: logger}
}

// OnPrice closes every position the tick triggers and returns the resulting
// settlements. Losing a close race is not an error.
func (e *Evaluator) OnPrice(ctx context.Context, u model.PriceUpdate) ([]model.Settlement, error) {
	var (
		out  []model.Settlement
		errs []error
	)
	for _, p := range e.source.OpenFor(u.OptionID) {
		reason, ok := Evaluate(p, u.Price, e.buffer)
		if !ok {
			continue
		}
		s, err := e.closer.Close(ctx, p.ID, u.Price, reason)
		if errors.Is(err, model.ErrAlreadyClosed) {
			continue
		}
		if err != nil {
			e.logger.Error("automatic close failed", "position_id", p.ID, "reason", reason, "err", err)
			errs = append(errs, err)
			continue
		}
		metrics.Triggers.WithLabelValues(string(reason)).Inc()
		e.logger.Info("position triggered", "position_id", p.ID, "reason", reason, "mark", u.Price)
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}
