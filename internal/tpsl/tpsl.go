// Package tpsl converts take-profit and stop-loss thresholds into trigger
// prices and decides which automatic close, if any, a mark price fires.
//
// Priority when several triggers hold at once: stop-loss, then liquidation,
// then take-profit. A gapped tick through both a user stop and the
// liquidation price settles as a stop-loss.
package tpsl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)

	// DefaultLiquidationBuffer keeps liquidation ahead of total margin loss.
	DefaultLiquidationBuffer = decimal.NewFromFloat(0.1)
)

// LiquidationPrice is entry·(1−(1−b)/lev) for longs and entry·(1+(1−b)/lev)
// for shorts, where b is the safety buffer.
func LiquidationPrice(p model.Position, buffer decimal.Decimal) decimal.Decimal {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	move := one.Sub(buffer).Div(decimal.NewFromInt(int64(lev)))
	if p.Side == model.Short {
		return p.EntryPrice.Mul(one.Add(move))
	}
	return p.EntryPrice.Mul(one.Sub(move))
}

// TargetPrice resolves a threshold against the entry price. Percent values
// are whole percentages (10 means 10%).
func TargetPrice(side model.PositionSide, entry decimal.Decimal, th model.Threshold, takeProfit bool) decimal.Decimal {
	if th.Mode == model.Absolute {
		return th.Value
	}
	move := entry.Mul(th.Value).Div(hundred)
	up := takeProfit == (side == model.Long)
	if up {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

// Prices returns the absolute TP and SL trigger prices of a position.
func Prices(p model.Position) (tp, sl *decimal.Decimal) {
	if p.TakeProfit != nil {
		v := TargetPrice(p.Side, p.EntryPrice, *p.TakeProfit, true)
		tp = &v
	}
	if p.StopLoss != nil {
		v := TargetPrice(p.Side, p.EntryPrice, *p.StopLoss, false)
		sl = &v
	}
	return tp, sl
}

// Validate rejects thresholds that could never trigger for the direction.
func Validate(side model.PositionSide, entry decimal.Decimal, tp, sl *model.Threshold) error {
	if tp != nil {
		if err := validateOne(side, entry, *tp, true); err != nil {
			return fmt.Errorf("take profit: %w", err)
		}
	}
	if sl != nil {
		if err := validateOne(side, entry, *sl, false); err != nil {
			return fmt.Errorf("stop loss: %w", err)
		}
	}
	return nil
}

func validateOne(side model.PositionSide, entry decimal.Decimal, th model.Threshold, takeProfit bool) error {
	switch th.Mode {
	case model.Percent:
		if th.Value.IsNegative() {
			return fmt.Errorf("%w: percent must not be negative", model.ErrInvalidThreshold)
		}
		down := takeProfit != (side == model.Long)
		if down && th.Value.GreaterThanOrEqual(hundred) {
			return fmt.Errorf("%w: %s%% would put the price at or below zero", model.ErrInvalidThreshold, th.Value)
		}
	case model.Absolute:
		if !th.Value.IsPositive() {
			return fmt.Errorf("%w: price must be positive", model.ErrInvalidThreshold)
		}
		above := th.Value.GreaterThan(entry)
		below := th.Value.LessThan(entry)
		wantAbove := takeProfit == (side == model.Long)
		if (wantAbove && !above) || (!wantAbove && !below) {
			return fmt.Errorf("%w: %s is on the wrong side of entry %s for a %s", model.ErrInvalidThreshold, th.Value, entry, side)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", model.ErrInvalidThreshold, th.Mode)
	}
	return nil
}

// Evaluate reports the close a mark price triggers for p.
func Evaluate(p model.Position, mark, buffer decimal.Decimal) (model.CloseReason, bool) {
	long := p.Side == model.Long

	tp, sl := Prices(p)
	if sl != nil && ((long && mark.LessThanOrEqual(*sl)) || (!long && mark.GreaterThanOrEqual(*sl))) {
		return model.CloseStopLoss, true
	}

	liq := LiquidationPrice(p, buffer)
	if (long && mark.LessThanOrEqual(liq)) || (!long && mark.GreaterThanOrEqual(liq)) {
		return model.CloseLiquidation, true
	}
	if tp != nil && ((long && mark.GreaterThanOrEqual(*tp)) || (!long && mark.LessThanOrEqual(*tp))) {
		return model.CloseTakeProfit, true
	}
	return "", false
}
