// Package risk decides whether a session can afford an order and keeps its
// exposure inside per-option and per-event limits.
//
// Exposure is signed notional: long and buy count positive, short and sell
// negative. On binary events an order for "No" counts as the inverted order
// for "Yes", the same way its fill would be booked.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/model"
)

// ErrExposureLimit is returned when an order would push exposure beyond a
// configured limit. It is reported to callers as an invalid order.
var ErrExposureLimit = errors.New("risk: exposure limit exceeded")

// State is the session data the checker reads.
type State interface {
	OpenPositions() []model.Position
	RealizedPnL() decimal.Decimal
}

// FeeEstimator prices the entry fee of a notional.
type FeeEstimator interface {
	EntryFee(notional decimal.Decimal) decimal.Decimal
}

// Events looks up an event for binary normalization.
type Events interface {
	Event(id string) (event.Event, error)
}

// Limits caps signed exposure. A zero value disables the limit.
type Limits struct {
	// MaxPerOption is the maximum absolute net notional on one option.
	MaxPerOption decimal.Decimal

	// MaxPerEvent is the maximum aggregate absolute notional across all
	// options of one event.
	MaxPerEvent decimal.Decimal
}

// Checker runs the pre-trade checks of one session.
type Checker struct {
	StartingBalance decimal.Decimal
	Limits          Limits

	state  State
	fees   FeeEstimator
	events Events
}

// NewChecker creates a checker. fees and events may be nil.
func NewChecker(startingBalance decimal.Decimal, limits Limits, state State, fees FeeEstimator, events Events) *Checker {
	return &Checker{
		StartingBalance: startingBalance,
		Limits:          limits,
		state:           state,
		fees:            fees,
		events:          events,
	}
}

// Required is the cash an order locks up: its margin plus the entry fee.
func (c *Checker) Required(o model.Order) decimal.Decimal {
	margin := o.RequestedNotional.Div(decimal.NewFromInt(int64(max(o.Leverage, 1))))
	if c.fees == nil {
		return margin
	}
	return margin.Add(c.fees.EntryFee(o.RequestedNotional))
}

// Available is starting balance plus realized PnL, minus the margin of open
// positions and of working orders.
func (c *Checker) Available(open []model.Position, realized, reserved decimal.Decimal) decimal.Decimal {
	avail := c.StartingBalance.Add(realized).Sub(reserved)
	for _, p := range open {
		avail = avail.Sub(p.Margin)
	}
	return avail
}

// Check validates funds and exposure for a new order. reserved is the margin
// already held by the session's working orders.
func (c *Checker) Check(o model.Order, reserved decimal.Decimal) error {
	open := c.state.OpenPositions()

	required := c.Required(o)
	available := c.Available(open, c.state.RealizedPnL(), reserved)
	if required.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s", model.ErrInsufficientBalance, required.StringFixed(2), available.StringFixed(2))
	}

	if err := c.checkExposure(o, open); err != nil {
		return err
	}
	return nil
}

func (c *Checker) normalize(o model.Order) (option string, delta decimal.Decimal) {
	side := model.PositionSideOf(o.Side)
	option = o.OptionRef
	if c.events != nil {
		if e, err := c.events.Event(o.EventRef); err == nil {
			f := event.Normalize(e, model.Fill{OptionRef: o.OptionRef, Side: side, Price: decimal.NewFromInt(1)})
			option, side = f.OptionRef, f.Side
		}
	}
	delta = o.RequestedNotional
	if side == model.Short {
		delta = delta.Neg()
	}
	return option, delta
}

func signed(p model.Position) decimal.Decimal {
	if p.Side == model.Short {
		return p.Notional().Neg()
	}
	return p.Notional()
}

func (c *Checker) checkExposure(o model.Order, open []model.Position) error {
	option, delta := c.normalize(o)

	byOption := make(map[string]decimal.Decimal)
	for _, p := range open {
		if p.EventRef == o.EventRef {
			byOption[p.OptionRef] = byOption[p.OptionRef].Add(signed(p))
		}
	}

	next := byOption[option].Add(delta)
	if c.Limits.MaxPerOption.IsPositive() && next.Abs().GreaterThan(c.Limits.MaxPerOption) {
		return fmt.Errorf("%w: %w: option %s would reach %s", model.ErrInvalidOrder, ErrExposureLimit, option, next.Abs().StringFixed(2))
	}

	if c.Limits.MaxPerEvent.IsPositive() {
		total := next.Abs()
		for id, exp := range byOption {
			if id == option {
				continue
			}
			total = total.Add(exp.Abs())
		}
		if total.GreaterThan(c.Limits.MaxPerEvent) {
			return fmt.Errorf("%w: %w: event %s would reach %s", model.ErrInvalidOrder, ErrExposureLimit, o.EventRef, total.StringFixed(2))
		}
	}
	return nil
}

// Account summarizes the session's funds.
func (c *Checker) Account(userID string, reserved, unrealized decimal.Decimal) model.Account {
	open := c.state.OpenPositions()
	realized := c.state.RealizedPnL()
	used := decimal.Zero
	for _, p := range open {
		used = used.Add(p.Margin)
	}
	available := c.Available(open, realized, reserved)
	return model.Account{
		UserID:          userID,
		StartingBalance: c.StartingBalance,
		RealizedPnL:     realized,
		UsedMargin:      used,
		ReservedMargin:  reserved,
		UnrealizedPnL:   unrealized,
		Available:       available,
		Equity:          c.StartingBalance.Add(realized).Add(unrealized),
	}
}
