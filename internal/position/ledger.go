// Package position maintains the open-position ledger of one session: fills
// open, pyramid, reduce or flip positions; mark prices produce derived views;
// closes claim a position out of the open set exactly once.
//
// Writers serialize on a mutex and publish an immutable snapshot, so readers
// see a position either fully open or fully closed.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/tpsl"
)

// Events resolves the event a fill belongs to.
type Events interface {
	Event(id string) (event.Event, error)
}

// Quoter supplies mark prices for views.
type Quoter interface {
	Mark(optionID string) (decimal.Decimal, error)
}

// CommitFunc persists the change set of one fill and returns the canonical
// records. Nothing in the ledger changes unless it succeeds.
type CommitFunc func(ctx context.Context, c model.FillCommit) (model.FillCommit, error)

// PersistFunc writes a single position and returns the canonical record.
type PersistFunc func(ctx context.Context, p model.Position) (model.Position, error)

type snapshot struct {
	byID  map[string]model.Position
	byKey map[string]string // event|option -> position id
}

func key(eventRef, optionRef string) string {
	return eventRef + "|" + optionRef
}

// Ledger is the open set of one session.
type Ledger struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	closed map[string]struct{}

	events Events
	calc   *settlement.Calculator
	buffer decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger(events Events, calc *settlement.Calculator, liquidationBuffer decimal.Decimal) *Ledger {
	l := &Ledger{
		closed: make(map[string]struct{}),
		events: events,
		calc:   calc,
		buffer: liquidationBuffer,
	}
	l.snap.Store(&snapshot{byID: map[string]model.Position{}, byKey: map[string]string{}})
	return l
}

// mutate copies the current snapshot, lets fn edit the copy and publishes it.
// Callers hold l.mu.
func (l *Ledger) mutate(fn func(s *snapshot)) {
	cur := l.snap.Load()
	next := &snapshot{
		byID:  make(map[string]model.Position, len(cur.byID)+1),
		byKey: make(map[string]string, len(cur.byKey)+1),
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	for k, v := range cur.byKey {
		next.byKey[k] = v
	}
	fn(next)
	l.snap.Store(next)
	metrics.OpenPositions.Add(float64(len(next.byID) - len(cur.byID)))
}

func (s *snapshot) put(p model.Position) {
	s.byID[p.ID] = p
	s.byKey[key(p.EventRef, p.OptionRef)] = p.ID
}

func (s *snapshot) remove(id string) {
	if p, ok := s.byID[id]; ok {
		delete(s.byID, id)
		if s.byKey[key(p.EventRef, p.OptionRef)] == id {
			delete(s.byKey, key(p.EventRef, p.OptionRef))
		}
	}
}

// Restore loads open positions read back from a store.
func (l *Ledger) Restore(positions []model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mutate(func(s *snapshot) {
		for _, p := range positions {
			if p.Status == model.PositionOpen {
				s.put(p.Clone())
			}
		}
	})
}

// Release drops every open position from memory when the session ends.
// Nothing is closed or persisted.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mutate(func(s *snapshot) {
		s.byID = map[string]model.Position{}
		s.byKey = map[string]string{}
	})
}

// Get returns an open position.
func (l *Ledger) Get(id string) (model.Position, bool) {
	p, ok := l.snap.Load().byID[id]
	return p.Clone(), ok
}

// Open returns every open position, oldest first.
func (l *Ledger) Open() []model.Position {
	s := l.snap.Load()
	out := make([]model.Position, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenFor returns the open positions marked by optionID.
func (l *Ledger) OpenFor(optionID string) []model.Position {
	var out []model.Position
	for _, p := range l.Open() {
		if p.OptionRef == optionID {
			out = append(out, p)
		}
	}
	return out
}

// OpenForEvent returns the open positions of an event.
func (l *Ledger) OpenForEvent(eventID string) []model.Position {
	var out []model.Position
	for _, p := range l.Open() {
		if p.EventRef == eventID {
			out = append(out, p)
		}
	}
	return out
}

// ApplyFill folds a fill into the ledger. On binary events the fill is first
// normalized onto the Yes option. A same-side fill pyramids into the existing
// position; an opposite-side fill closes it with a reduce settlement and
// reopens whatever remains on either side. commit must succeed before any
// change becomes visible.
func (l *Ledger) ApplyFill(ctx context.Context, fill model.Fill, commit CommitFunc) (model.FillCommit, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return model.FillCommit{}, fmt.Errorf("%w: fill needs positive price and quantity", model.ErrInvalidOrder)
	}
	if fill.Leverage < 1 {
		fill.Leverage = 1
	}
	if l.events != nil {
		e, err := l.events.Event(fill.EventRef)
		if err != nil {
			return model.FillCommit{}, fmt.Errorf("%w: %v", model.ErrInvalidOrder, err)
		}
		fill = event.Normalize(e, fill)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.snap.Load()
	var change model.FillCommit
	existingID, has := cur.byKey[key(fill.EventRef, fill.OptionRef)]

	switch {
	case !has:
		change.Opened = append(change.Opened, openFrom(fill, fill.Quantity))
	case cur.byID[existingID].Side == fill.Side:
		change.Updated = append(change.Updated, pyramid(cur.byID[existingID], fill))
	default:
		l.offset(&change, cur.byID[existingID], fill)
	}

	stored, err := commit(ctx, change)
	if err != nil {
		return model.FillCommit{}, err
	}

	l.mutate(func(s *snapshot) {
		for _, c := range stored.Closed {
			s.remove(c.Position.ID)
			l.closed[c.Position.ID] = struct{}{}
		}
		for _, p := range stored.Updated {
			s.put(p)
		}
		for _, p := range stored.Opened {
			s.put(p)
		}
	})
	return stored, nil
}

func openFrom(fill model.Fill, qty decimal.Decimal) model.Position {
	return model.Position{
		UserID:        fill.UserID,
		EventRef:      fill.EventRef,
		OptionRef:     fill.OptionRef,
		Side:          fill.Side,
		EntryPrice:    fill.Price,
		Quantity:      qty,
		Leverage:      fill.Leverage,
		Margin:        qty.Mul(fill.Price).Div(decimal.NewFromInt(int64(fill.Leverage))),
		Status:        model.PositionOpen,
		SourceOrderID: fill.OrderID,
		OpenedAt:      fill.At,
	}
}

// pyramid adds a same-side fill: size-weighted entry, summed quantity and
// margin, leverage re-derived from notional over margin.
func pyramid(p model.Position, fill model.Fill) model.Position {
	p = p.Clone()
	qty := p.Quantity.Add(fill.Quantity)
	cost := p.Notional().Add(fill.Quantity.Mul(fill.Price))
	p.EntryPrice = cost.Div(qty)
	p.Quantity = qty
	p.Margin = p.Margin.Add(fill.Quantity.Mul(fill.Price).Div(decimal.NewFromInt(int64(fill.Leverage))))
	p.Leverage = 1
	if p.Margin.IsPositive() {
		if lev := int(cost.Div(p.Margin).Round(0).IntPart()); lev > 1 {
			p.Leverage = lev
		}
	}
	return p
}

// offset closes p against an opposite fill. The offsetting size is settled
// at the fill price; the rest of p and the excess of the fill reopen.
func (l *Ledger) offset(change *model.FillCommit, p model.Position, fill model.Fill) {
	size := decimal.Min(p.Quantity, fill.Quantity)

	part := p.Clone()
	part.Quantity = size
	part.Margin = p.Margin.Mul(size).Div(p.Quantity)
	s := l.calc.Settle(part, fill.Price, fill.At, model.CloseReduce)

	closed := p.Clone()
	closed.Status = model.PositionClosed
	at := fill.At
	closed.ClosedAt = &at
	change.Closed = append(change.Closed, model.ClosedPosition{Position: closed, Settlement: s})

	if rest := p.Quantity.Sub(size); rest.IsPositive() {
		r := p.Clone()
		r.ID = ""
		r.Quantity = rest
		r.Margin = p.Margin.Sub(part.Margin)
		change.Opened = append(change.Opened, r)
	}
	if excess := fill.Quantity.Sub(size); excess.IsPositive() {
		change.Opened = append(change.Opened, openFrom(fill, excess))
	}
}

// Claim removes a position from the open set. Exactly one caller wins; the
// rest get model.ErrAlreadyClosed.
func (l *Ledger) Claim(id string) (model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.snap.Load().byID[id]
	if !ok {
		if _, done := l.closed[id]; done {
			return model.Position{}, fmt.Errorf("%w: %s", model.ErrAlreadyClosed, id)
		}
		return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, id)
	}
	l.closed[id] = struct{}{}
	l.mutate(func(s *snapshot) { s.remove(id) })
	return p.Clone(), nil
}

// UpdateTpSl replaces both thresholds of an open position; nil clears one.
// The write runs under the ledger lock so a concurrent close cannot
// interleave with it.
func (l *Ledger) UpdateTpSl(ctx context.Context, id string, tp, sl *model.Threshold, persist PersistFunc) (model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.snap.Load().byID[id]
	if !ok {
		if _, done := l.closed[id]; done {
			return model.Position{}, fmt.Errorf("%w: %s", model.ErrAlreadyClosed, id)
		}
		return model.Position{}, fmt.Errorf("%w: position %s", model.ErrNotFound, id)
	}
	if err := tpsl.Validate(p.Side, p.EntryPrice, tp, sl); err != nil {
		return model.Position{}, err
	}

	next := p.Clone()
	next.TakeProfit = cloneThreshold(tp)
	next.StopLoss = cloneThreshold(sl)

	stored, err := persist(ctx, next)
	if err != nil {
		return model.Position{}, err
	}
	l.mutate(func(s *snapshot) { s.put(stored) })
	return stored.Clone(), nil
}

func cloneThreshold(t *model.Threshold) *model.Threshold {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// View derives the mark-dependent fields of a position.
func View(p model.Position, mark, buffer decimal.Decimal) model.PositionView {
	pnl := mark.Sub(p.EntryPrice).Mul(p.Quantity)
	if p.Side == model.Short {
		pnl = pnl.Neg()
	}
	pct := decimal.Zero
	if !p.Margin.IsZero() {
		pct = pnl.Div(p.Margin).Mul(decimal.NewFromInt(100))
	}
	tp, sl := tpsl.Prices(p)
	return model.PositionView{
		Position:         p,
		MarkPrice:        mark,
		UnrealizedPnL:    pnl.Round(settlement.MoneyScale),
		PnLPercent:       pct.Round(4),
		LiquidationPrice: tpsl.LiquidationPrice(p, buffer).Round(settlement.MoneyScale),
		TakeProfitPrice:  tp,
		StopLossPrice:    sl,
	}
}

// MarkToMarket recomputes the views of the positions on the tick's option.
func (l *Ledger) MarkToMarket(u model.PriceUpdate) []model.PositionView {
	var out []model.PositionView
	for _, p := range l.OpenFor(u.OptionID) {
		out = append(out, View(p, u.Price, l.buffer))
	}
	return out
}

// Views derives every open position at the quoter's marks. Positions without
// a quote are shown at their entry price.
func (l *Ledger) Views(q Quoter) []model.PositionView {
	open := l.Open()
	out := make([]model.PositionView, 0, len(open))
	for _, p := range open {
		mark, err := q.Mark(p.OptionRef)
		if err != nil {
			mark = p.EntryPrice
		}
		out = append(out, View(p, mark, l.buffer))
	}
	return out
}

// Buffer returns the liquidation buffer used for views.
func (l *Ledger) Buffer() decimal.Decimal {
	return l.buffer
}

// Settle prices the close of a claimed position.
func (l *Ledger) Settle(p model.Position, exit decimal.Decimal, at time.Time, reason model.CloseReason) model.ClosedPosition {
	s := l.calc.Settle(p, exit, at, reason)
	p.Status = model.PositionClosed
	p.ClosedAt = &at
	return model.ClosedPosition{Position: p, Settlement: s}
}
