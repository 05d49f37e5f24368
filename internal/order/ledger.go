// Package order tracks the orders of one session from placement through
// simulated fills to a terminal state.
package order

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/position"
)

// Store is the persistence the order ledger writes through.
type Store interface {
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	UpdateOrder(ctx context.Context, o model.Order) (model.Order, error)
	CommitFill(ctx context.Context, c model.FillCommit) (model.FillCommit, error)
}

// Quoter supplies the mark price used for market orders and fill checks.
type Quoter interface {
	Mark(optionID string) (decimal.Decimal, error)
}

// Resolver validates the event/option pair of an order.
type Resolver interface {
	Resolve(eventRef, optionRef string) (event.Event, event.Option, error)
}

// FundsChecker decides whether an order is affordable given the margin
// already reserved by the session's working orders.
type FundsChecker interface {
	Check(o model.Order, reserved decimal.Decimal) error
}

// Request is a user's trade intent.
type Request struct {
	UserID     string           `json:"-"`
	Side       model.OrderSide  `json:"side"`
	Type       model.OrderType  `json:"order_type"`
	EventRef   string           `json:"event_ref"`
	OptionRef  string           `json:"option_ref"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Notional   decimal.Decimal  `json:"notional"`
	Leverage   int              `json:"leverage"`
}

// Config tunes validation and the fill simulation.
type Config struct {
	MaxLeverage  int
	PartialFills bool
}

// QuantityScale is the number of decimal places kept on order quantities.
var QuantityScale int32 = 8

// Ledger owns the orders of one session.
type Ledger struct {
	mu     sync.Mutex
	orders map[string]model.Order

	store     Store
	positions *position.Ledger
	quotes    Quoter
	events    Resolver
	funds     FundsChecker
	cfg       Config
	rng       *rand.Rand
	now       func() time.Time
}

// NewLedger wires an order ledger. funds may be nil to skip the balance check.
func NewLedger(store Store, positions *position.Ledger, quotes Quoter, events Resolver, funds FundsChecker, cfg Config, rng *rand.Rand) *Ledger {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Ledger{
		orders:    make(map[string]model.Order),
		store:     store,
		positions: positions,
		quotes:    quotes,
		events:    events,
		funds:     funds,
		cfg:       cfg,
		rng:       rng,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func persistErr(err error) error {
	return fmt.Errorf("%w: %w", model.ErrPersistenceFailure, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func (l *Ledger) validate(req Request) error {
	switch {
	case req.Side != model.Buy && req.Side != model.Sell:
		return invalid("side must be buy or sell")
	case req.Type != model.Market && req.Type != model.Limit:
		return invalid("order type must be market or limit")
	case req.EventRef == "" || req.OptionRef == "":
		return invalid("event and option are required")
	case !req.Notional.IsPositive():
		return invalid("notional must be positive")
	case req.Leverage < 1:
		return invalid("leverage must be at least 1")
	case l.cfg.MaxLeverage > 0 && req.Leverage > l.cfg.MaxLeverage:
		return invalid("leverage %d exceeds maximum %d", req.Leverage, l.cfg.MaxLeverage)
	case req.Type == model.Limit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()):
		return invalid("limit orders need a positive limit price")
	}
	return nil
}

// Place validates, checks funds and persists a new pending order.
func (l *Ledger) Place(ctx context.Context, req Request) (model.Order, error) {
	if err := l.validate(req); err != nil {
		return model.Order{}, err
	}
	e, _, err := l.events.Resolve(req.EventRef, req.OptionRef)
	if err != nil {
		return model.Order{}, invalid("%v", err)
	}
	if e.Status == event.StatusResolved {
		return model.Order{}, invalid("event %s is resolved", e.ID)
	}

	ref := decimal.Zero
	if req.Type == model.Limit {
		ref = *req.LimitPrice
	} else if ref, err = l.quotes.Mark(req.OptionRef); err != nil {
		return model.Order{}, invalid("%v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	qty := req.Notional.DivRound(ref, QuantityScale)
	o := model.Order{
		UserID:            req.UserID,
		Side:              req.Side,
		Type:              req.Type,
		EventRef:          req.EventRef,
		OptionRef:         req.OptionRef,
		RequestedNotional: req.Notional,
		Leverage:          req.Leverage,
		Status:            model.OrderPending,
		RequestedQuantity: qty,
		RemainingQuantity: qty,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.LimitPrice != nil && req.Type == model.Limit {
		lp := *req.LimitPrice
		o.LimitPrice = &lp
	}

	if l.funds != nil {
		if err := l.funds.Check(o, l.reservedLocked()); err != nil {
			return model.Order{}, err
		}
	}

	stored, err := l.store.CreateOrder(ctx, o)
	if err != nil {
		return model.Order{}, persistErr(err)
	}
	l.orders[stored.ID] = stored
	metrics.OrdersPlaced.WithLabelValues(string(stored.Side), string(stored.Type)).Inc()
	return stored, nil
}

// crosses reports whether a limit order is marketable at mark.
func crosses(o model.Order, mark decimal.Decimal) bool {
	if o.Type == model.Market {
		return true
	}
	if o.Side == model.Buy {
		return mark.LessThanOrEqual(*o.LimitPrice)
	}
	return mark.GreaterThanOrEqual(*o.LimitPrice)
}

// sliceSize picks the quantity of the next fill.
func (l *Ledger) sliceSize(o model.Order) decimal.Decimal {
	if !l.cfg.PartialFills || o.Type == model.Market {
		return o.RemainingQuantity
	}
	share := 0.25 + 0.75*l.rng.Float64()
	q := o.RemainingQuantity.Mul(decimal.NewFromFloat(share)).Round(QuantityScale)
	if !q.IsPositive() || q.GreaterThanOrEqual(o.RemainingQuantity) {
		return o.RemainingQuantity
	}
	return q
}

// SimulateFill tries to fill one order at the current mark. It returns
// filled=false when a limit order is not marketable yet. The order
// transition and the position changes are committed together.
func (l *Ledger) SimulateFill(ctx context.Context, id string) (model.FillCommit, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return model.FillCommit{}, false, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	if o.Status.Terminal() {
		return model.FillCommit{}, false, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, id, o.Status)
	}

	mark, err := l.quotes.Mark(o.OptionRef)
	if err != nil {
		return model.FillCommit{}, false, err
	}
	if !crosses(o, mark) {
		return model.FillCommit{}, false, nil
	}

	price := mark
	if o.Type == model.Limit {
		price = *o.LimitPrice
	}
	qty := l.sliceSize(o)
	now := l.now()

	next := o
	filled := o.FilledQuantity.Add(qty)
	next.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty)).DivRound(filled, QuantityScale)
	next.FilledQuantity = filled
	next.RemainingQuantity = o.RemainingQuantity.Sub(qty)
	next.Status = model.OrderPartiallyFilled
	if !next.RemainingQuantity.IsPositive() {
		next.RemainingQuantity = decimal.Zero
		next.Status = model.OrderFilled
	}
	next.UpdatedAt = now

	fill := model.Fill{
		OrderID:   o.ID,
		UserID:    o.UserID,
		EventRef:  o.EventRef,
		OptionRef: o.OptionRef,
		Side:      model.PositionSideOf(o.Side),
		Price:     price,
		Quantity:  qty,
		Leverage:  o.Leverage,
		At:        now,
	}

	start := time.Now()
	stored, err := l.positions.ApplyFill(ctx, fill, func(ctx context.Context, c model.FillCommit) (model.FillCommit, error) {
		c.Order = next
		out, err := l.store.CommitFill(ctx, c)
		if err != nil {
			return model.FillCommit{}, persistErr(err)
		}
		return out, nil
	})
	if err != nil {
		return model.FillCommit{}, false, err
	}
	metrics.FillLatency.Observe(time.Since(start).Seconds())
	metrics.Fills.WithLabelValues(string(o.Side)).Inc()

	l.orders[id] = stored.Order
	return stored, true, nil
}

// FillPending runs the fill simulation over every working order, oldest
// first. Errors on one order do not stop the others.
func (l *Ledger) FillPending(ctx context.Context) ([]model.FillCommit, []error) {
	var (
		out  []model.FillCommit
		errs []error
	)
	for _, o := range l.Pending() {
		if ctx.Err() != nil {
			break
		}
		c, filled, err := l.SimulateFill(ctx, o.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		if filled {
			out = append(out, c)
		}
	}
	return out, errs
}

// Cancel moves a working order to cancelled.
func (l *Ledger) Cancel(ctx context.Context, id string) (model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	if o.Status.Terminal() {
		return model.Order{}, fmt.Errorf("%w: cannot cancel %s order", model.ErrInvalidTransition, o.Status)
	}

	next := o
	next.Status = model.OrderCancelled
	next.UpdatedAt = l.now()
	stored, err := l.store.UpdateOrder(ctx, next)
	if err != nil {
		return model.Order{}, persistErr(err)
	}
	l.orders[id] = stored
	return stored, nil
}

// Get returns one order.
func (l *Ledger) Get(id string) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

// List returns every order of the session, oldest first.
func (l *Ledger) List() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(func(model.Order) bool { return true })
}

// Pending returns the orders that can still fill, oldest first.
func (l *Ledger) Pending() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked(func(o model.Order) bool { return !o.Status.Terminal() })
}

func (l *Ledger) sortedLocked(keep func(model.Order) bool) []model.Order {
	out := make([]model.Order, 0, len(l.orders))
	for _, o := range l.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ReservedMargin sums the margin held back by working orders.
func (l *Ledger) ReservedMargin() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedLocked()
}

func (l *Ledger) reservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.ReservedMargin())
	}
	return total
}

// Restore loads orders read back from a store.
func (l *Ledger) Restore(orders []model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range orders {
		l.orders[o.ID] = o
	}
}
