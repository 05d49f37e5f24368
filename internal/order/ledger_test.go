package order

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/position"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/store"
	"github.com/atmx/position-engine/internal/tpsl"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

type quotes struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (q *quotes) set(id string, p float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[id] = d(p)
}

func (q *quotes) Mark(id string) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.prices[id]
	if !ok {
		return decimal.Zero, errors.New("no quote")
	}
	return p, nil
}

type denyFunds struct{ err error }

func (f denyFunds) Check(model.Order, decimal.Decimal) error { return f.err }

// failingCommit rejects every fill commit.
type failingCommit struct {
	*store.MemoryStore
}

func (failingCommit) CommitFill(context.Context, model.FillCommit) (model.FillCommit, error) {
	return model.FillCommit{}, errors.New("disk full")
}

type fixture struct {
	ledger    *Ledger
	positions *position.Ledger
	catalog   *event.Catalog
	quotes    *quotes
}

func newFixture(t *testing.T, st Store, funds FundsChecker, cfg Config) fixture {
	t.Helper()
	cat, err := event.NewCatalog([]event.Event{
		{ID: "ev", Options: []event.Option{
			{ID: "ev-yes", Label: "Yes", StaticPrice: d(0.6)},
			{ID: "ev-no", Label: "No", StaticPrice: d(0.4)},
		}},
		{ID: "race", Options: []event.Option{{ID: "race-a"}, {ID: "race-b"}, {ID: "race-c"}}},
	})
	require.NoError(t, err)
	q := &quotes{prices: map[string]decimal.Decimal{
		"ev-yes": d(0.4),
		"ev-no":  d(0.6),
		"race-a": d(0.5),
	}}
	calc := settlement.NewCalculator(settlement.FeeSchedule{FundingPeriod: 8 * time.Hour})
	positions := position.NewLedger(cat, calc, tpsl.DefaultLiquidationBuffer)
	if st == nil {
		st = store.NewMemoryStore()
	}
	l := NewLedger(st, positions, q, cat, funds, cfg, rand.New(rand.NewSource(7)))
	return fixture{ledger: l, positions: positions, catalog: cat, quotes: q}
}

func marketBuy(option string, notional float64, lev int) Request {
	ev := "ev"
	if option == "race-a" {
		ev = "race"
	}
	return Request{
		UserID:    "u1",
		Side:      model.Buy,
		Type:      model.Market,
		EventRef:  ev,
		OptionRef: option,
		Notional:  d(notional),
		Leverage:  lev,
	}
}

func TestPlace_MarketOrderQuantity(t *testing.T) {
	f := newFixture(t, nil, nil, Config{MaxLeverage: 10})
	o, err := f.ledger.Place(context.Background(), marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.True(t, o.RequestedQuantity.Equal(d(250)), "100 / 0.4 = 250, got %s", o.RequestedQuantity)
	assert.True(t, o.RemainingQuantity.Equal(o.RequestedQuantity))
	assert.True(t, f.ledger.ReservedMargin().Equal(d(20)))
	assert.Len(t, f.ledger.Pending(), 1)
}

func TestPlace_Validation(t *testing.T) {
	f := newFixture(t, nil, nil, Config{MaxLeverage: 10})

	cases := []struct {
		name string
		edit func(r *Request)
	}{
		{"bad side", func(r *Request) { r.Side = "hold" }},
		{"bad type", func(r *Request) { r.Type = "stop" }},
		{"missing option", func(r *Request) { r.OptionRef = "" }},
		{"zero notional", func(r *Request) { r.Notional = decimal.Zero }},
		{"zero leverage", func(r *Request) { r.Leverage = 0 }},
		{"leverage above max", func(r *Request) { r.Leverage = 11 }},
		{"limit without price", func(r *Request) { r.Type = model.Limit }},
		{"limit with zero price", func(r *Request) { r.Type = model.Limit; r.LimitPrice = ptr(decimal.Zero) }},
		{"option of another event", func(r *Request) { r.OptionRef = "race-a" }},
		{"unknown event", func(r *Request) { r.EventRef = "nope" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := marketBuy("ev-yes", 100, 5)
			tc.edit(&req)
			_, err := f.ledger.Place(context.Background(), req)
			assert.ErrorIs(t, err, model.ErrInvalidOrder)
		})
	}
	assert.Empty(t, f.ledger.List())
}

func TestPlace_ResolvedEventRejected(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	_, err := f.catalog.MarkResolved("ev", "ev-no")
	require.NoError(t, err)

	_, err = f.ledger.Place(context.Background(), marketBuy("ev-yes", 100, 5))
	assert.ErrorIs(t, err, model.ErrInvalidOrder)
}

func TestPlace_MissingQuoteRejectsMarketOrder(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	req := marketBuy("race-a", 100, 2)
	req.OptionRef = "race-b"
	_, err := f.ledger.Place(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrInvalidOrder)
}

func TestPlace_FundsCheckFailure(t *testing.T) {
	f := newFixture(t, nil, denyFunds{err: model.ErrInsufficientBalance}, Config{})
	_, err := f.ledger.Place(context.Background(), marketBuy("ev-yes", 100, 5))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, f.ledger.List())
}

func TestSimulateFill_MarketOrderOpensPosition(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	ctx := context.Background()
	o, err := f.ledger.Place(ctx, marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)

	c, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, filled)

	assert.Equal(t, model.OrderFilled, c.Order.Status)
	assert.True(t, c.Order.RemainingQuantity.IsZero())
	assert.True(t, c.Order.AvgFillPrice.Equal(d(0.4)))
	require.Len(t, c.Opened, 1)
	assert.True(t, c.Opened[0].Margin.Equal(d(20)))
	assert.Equal(t, o.ID, c.Opened[0].SourceOrderID)

	assert.Len(t, f.positions.Open(), 1)
	assert.True(t, f.ledger.ReservedMargin().IsZero())
	assert.Empty(t, f.ledger.Pending())

	_, _, err = f.ledger.SimulateFill(ctx, o.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestSimulateFill_LimitWaitsForCross(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	ctx := context.Background()

	buy := marketBuy("ev-yes", 30, 2)
	buy.Type = model.Limit
	buy.LimitPrice = ptr(d(0.3))
	o, err := f.ledger.Place(ctx, buy)
	require.NoError(t, err)
	assert.True(t, o.RequestedQuantity.Equal(d(100)))

	_, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, filled, "mark 0.4 is above the buy limit")

	f.quotes.set("ev-yes", 0.29)
	c, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, filled)
	assert.True(t, c.Order.AvgFillPrice.Equal(d(0.3)), "limit orders fill at the limit price")
}

func TestSimulateFill_SellLimitCrossesAtOrAbove(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	ctx := context.Background()

	sell := marketBuy("race-a", 60, 1)
	sell.Side = model.Sell
	sell.Type = model.Limit
	sell.LimitPrice = ptr(d(0.6))
	o, err := f.ledger.Place(ctx, sell)
	require.NoError(t, err)

	_, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, filled)

	f.quotes.set("race-a", 0.6)
	c, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, filled)
	require.Len(t, c.Opened, 1)
	assert.Equal(t, model.Short, c.Opened[0].Side)
}

func TestSimulateFill_PartialFillsConverge(t *testing.T) {
	f := newFixture(t, nil, nil, Config{PartialFills: true})
	ctx := context.Background()

	buy := marketBuy("race-a", 50, 1)
	buy.Type = model.Limit
	buy.LimitPrice = ptr(d(0.5))
	o, err := f.ledger.Place(ctx, buy)
	require.NoError(t, err)

	c, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, filled)
	assert.Equal(t, model.OrderPartiallyFilled, c.Order.Status)
	assert.True(t, c.Order.FilledQuantity.GreaterThanOrEqual(d(25)), "slices are at least a quarter of the remainder")

	for i := 0; i < 200 && c.Order.Status != model.OrderFilled; i++ {
		c, filled, err = f.ledger.SimulateFill(ctx, o.ID)
		require.NoError(t, err)
		require.True(t, filled)
	}
	assert.Equal(t, model.OrderFilled, c.Order.Status)
	assert.True(t, c.Order.FilledQuantity.Equal(d(100)))
	assert.True(t, c.Order.AvgFillPrice.Equal(d(0.5)))

	open := f.positions.Open()
	require.Len(t, open, 1, "slices pyramid into one position")
	assert.True(t, open[0].Quantity.Equal(d(100)))
}

func TestSimulateFill_MarketIgnoresPartialFills(t *testing.T) {
	f := newFixture(t, nil, nil, Config{PartialFills: true})
	ctx := context.Background()
	o, err := f.ledger.Place(ctx, marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)

	c, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, filled)
	assert.Equal(t, model.OrderFilled, c.Order.Status)
}

func TestSimulateFill_CommitFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, failingCommit{store.NewMemoryStore()}, nil, Config{})
	ctx := context.Background()
	o, err := f.ledger.Place(ctx, marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)

	_, filled, err := f.ledger.SimulateFill(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrPersistenceFailure)
	assert.False(t, filled)

	got, ok := f.ledger.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, model.OrderPending, got.Status)
	assert.Empty(t, f.positions.Open())
}

func TestFillPending_ContinuesPastErrors(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	ctx := context.Background()

	first, err := f.ledger.Place(ctx, marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)
	second, err := f.ledger.Place(ctx, marketBuy("race-a", 50, 1))
	require.NoError(t, err)

	f.quotes.mu.Lock()
	delete(f.quotes.prices, "ev-yes")
	f.quotes.mu.Unlock()

	fills, errs := f.ledger.FillPending(ctx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), first.ID)
	require.Len(t, fills, 1)
	assert.Equal(t, second.ID, fills[0].Order.ID)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	ctx := context.Background()

	buy := marketBuy("ev-yes", 30, 2)
	buy.Type = model.Limit
	buy.LimitPrice = ptr(d(0.3))
	o, err := f.ledger.Place(ctx, buy)
	require.NoError(t, err)

	cancelled, err := f.ledger.Cancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.True(t, f.ledger.ReservedMargin().IsZero())

	_, err = f.ledger.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.ledger.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	filled, err := f.ledger.Place(ctx, marketBuy("ev-yes", 100, 5))
	require.NoError(t, err)
	_, _, err = f.ledger.SimulateFill(ctx, filled.ID)
	require.NoError(t, err)
	_, err = f.ledger.Cancel(ctx, filled.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestRestoreAndList(t *testing.T) {
	f := newFixture(t, nil, nil, Config{})
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.ledger.Restore([]model.Order{
		{ID: "b", Status: model.OrderFilled, CreatedAt: base.Add(time.Minute)},
		{ID: "a", Status: model.OrderPending, CreatedAt: base, Leverage: 2,
			RequestedNotional: d(10), RequestedQuantity: d(20), RemainingQuantity: d(20)},
	})

	list := f.ledger.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	pending := f.ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)
	assert.True(t, f.ledger.ReservedMargin().Equal(d(5)))
}
