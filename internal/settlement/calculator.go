// Package settlement computes the final economics of a closed position and
// keeps settlements whose write failed until the store accepts them.
package settlement

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// MoneyScale is the number of decimal places kept on settlement amounts.
var MoneyScale int32 = 8

var hundred = decimal.NewFromInt(100)

// FeeSchedule holds the rates applied at settlement.
type FeeSchedule struct {
	TradingFeeRate       decimal.Decimal // charged on entry notional and on exit value
	FundingRatePerPeriod decimal.Decimal // charged on margin × leverage per completed period
	FundingPeriod        time.Duration
}

// DefaultFees is the schedule used when none is configured.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		TradingFeeRate:       decimal.NewFromFloat(0.001),
		FundingRatePerPeriod: decimal.NewFromFloat(0.0001),
		FundingPeriod:        8 * time.Hour,
	}
}

// Calculator turns a position and an exit into a Settlement. The fee
// schedule can be swapped while the engine runs.
type Calculator struct {
	fees atomic.Pointer[FeeSchedule]
}

// NewCalculator creates a calculator with the given fee schedule.
func NewCalculator(fees FeeSchedule) *Calculator {
	c := &Calculator{}
	c.SetFees(fees)
	return c
}

// SetFees replaces the fee schedule for subsequent settlements.
func (c *Calculator) SetFees(fees FeeSchedule) {
	if fees.FundingPeriod <= 0 {
		fees.FundingPeriod = 8 * time.Hour
	}
	c.fees.Store(&fees)
}

// Fees returns the schedule currently in force.
func (c *Calculator) Fees() FeeSchedule {
	return *c.fees.Load()
}

// FundingPeriods returns the number of completed funding periods between
// open and exit.
func FundingPeriods(openedAt, exitTime time.Time, period time.Duration) int64 {
	held := exitTime.Sub(openedAt)
	if held <= 0 || period <= 0 {
		return 0
	}
	return int64(held / period)
}

// EntryFee estimates the trading fee charged on opening a notional.
func (c *Calculator) EntryFee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(c.Fees().TradingFeeRate)
}

// Settle computes the settlement for closing pos at exitPrice. The result is
// never mutated afterwards; its id is fixed here so retried writes stay
// idempotent.
func (c *Calculator) Settle(pos model.Position, exitPrice decimal.Decimal, exitTime time.Time, reason model.CloseReason) model.Settlement {
	fees := c.Fees()

	entryCost := pos.Quantity.Mul(pos.EntryPrice)
	exitValue := pos.Quantity.Mul(exitPrice)

	gross := exitValue.Sub(entryCost)
	if pos.Side == model.Short {
		gross = entryCost.Sub(exitValue)
	}

	notional := pos.Margin.Mul(decimal.NewFromInt(int64(pos.Leverage)))
	periods := FundingPeriods(pos.OpenedAt, exitTime, fees.FundingPeriod)
	funding := notional.Mul(fees.FundingRatePerPeriod).Mul(decimal.NewFromInt(periods))

	trading := entryCost.Mul(fees.TradingFeeRate).Add(exitValue.Mul(fees.TradingFeeRate))

	net := gross.Sub(funding).Sub(trading)

	roi := decimal.Zero
	if !pos.Margin.IsZero() {
		roi = net.Div(pos.Margin).Mul(hundred)
	}

	result := model.Win
	if net.IsNegative() {
		result = model.Lose
	}

	return model.Settlement{
		ID:          uuid.NewString(),
		UserID:      pos.UserID,
		PositionRef: pos.ID,
		EventRef:    pos.EventRef,
		OptionRef:   pos.OptionRef,
		Side:        pos.Side,
		Reason:      reason,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Size:        pos.Quantity,
		Leverage:    pos.Leverage,
		Margin:      pos.Margin,
		GrossPnL:    gross.Round(MoneyScale),
		FundingFee:  funding.Round(MoneyScale),
		TradingFee:  trading.Round(MoneyScale),
		NetPnL:      net.Round(MoneyScale),
		ROI:         roi.Round(MoneyScale),
		Result:      result,
		OpenedAt:    pos.OpenedAt,
		SettledAt:   exitTime,
	}
}
