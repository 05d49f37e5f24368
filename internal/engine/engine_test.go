package engine

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/order"
	"github.com/atmx/position-engine/internal/orderbook"
	"github.com/atmx/position-engine/internal/pricefeed"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recorder) Publish(_ context.Context, m events.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) kinds() map[events.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[events.Kind]int{}
	for _, m := range r.msgs {
		out[m.Kind]++
	}
	return out
}

// flakyStore fails the first n settlement writes.
type flakyStore struct {
	*store.MemoryStore
	fails atomic.Int32
}

func (s *flakyStore) CreateSettlement(ctx context.Context, st model.Settlement) (model.Settlement, error) {
	if s.fails.Add(-1) >= 0 {
		return model.Settlement{}, errors.New("connection reset")
	}
	return s.MemoryStore.CreateSettlement(ctx, st)
}

type harness struct {
	engine  *Engine
	feed    *pricefeed.Feed
	catalog *event.Catalog
	store   store.Store
	pub     *recorder
	tick    time.Time
}

func newHarness(t *testing.T, st store.Store, cfg Config) *harness {
	t.Helper()
	cat, err := event.NewCatalog([]event.Event{
		{ID: "ev", Options: []event.Option{
			{ID: "ev-yes", Label: "Yes", StaticPrice: d(0.2)},
			{ID: "ev-no", Label: "No", StaticPrice: d(0.8)},
		}},
		{ID: "race", Options: []event.Option{
			{ID: "race-a", StaticPrice: d(0.5)},
			{ID: "race-b", StaticPrice: d(0.3)},
			{ID: "race-c", StaticPrice: d(0.2)},
		}},
	})
	require.NoError(t, err)
	if st == nil {
		st = store.NewMemoryStore()
	}
	feed := pricefeed.NewFeed(cat)
	pub := &recorder{}
	e := New("sess-1", "u1", cfg, Deps{
		Store:     st,
		Feed:      feed,
		Catalog:   cat,
		Calc:      settlement.NewCalculator(settlement.FeeSchedule{FundingPeriod: 8 * time.Hour}),
		Books:     orderbook.NewProvider(feed, orderbook.SynthConfig{Levels: 5, TickSize: d(0.01)}, rand.New(rand.NewSource(1))),
		Publisher: pub,
		Rand:      rand.New(rand.NewSource(1)),
	})
	return &harness{engine: e, feed: feed, catalog: cat, store: st, pub: pub, tick: time.Now()}
}

func (h *harness) price(option string, p float64) model.PriceUpdate {
	h.tick = h.tick.Add(time.Millisecond)
	u := model.PriceUpdate{OptionID: option, Price: d(p), Timestamp: h.tick}
	h.feed.Publish(u)
	return u
}

func marketBuy(option string, notional float64, lev int) order.Request {
	ev := "ev"
	if strings.HasPrefix(option, "race") {
		ev = "race"
	}
	return order.Request{
		Side:      model.Buy,
		Type:      model.Market,
		EventRef:  ev,
		OptionRef: option,
		Notional:  d(notional),
		Leverage:  lev,
	}
}

// open places a market order and fills it on the next tick.
func (h *harness) open(t *testing.T, req order.Request) model.Position {
	t.Helper()
	ctx := context.Background()
	o, err := h.engine.PlaceOrder(ctx, req)
	require.NoError(t, err)
	fills, err := h.engine.FillTick(ctx)
	require.NoError(t, err)
	for _, c := range fills {
		if c.Order.ID == o.ID {
			require.NotEmpty(t, append(c.Opened, c.Updated...))
			return append(c.Opened, c.Updated...)[0]
		}
	}
	t.Fatalf("order %s did not fill", o.ID)
	return model.Position{}
}

func TestEngine_SettlementConservation(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()

	p := h.open(t, marketBuy("ev-yes", 200, 5))
	assert.True(t, p.Quantity.Equal(d(1000)))
	assert.True(t, p.Margin.Equal(d(40)))
	assert.Equal(t, "u1", p.UserID)

	h.price("ev-yes", 0.3)
	s, err := h.engine.ClosePosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CloseManual, s.Reason)
	assert.True(t, s.GrossPnL.Equal(d(100)), "gross %s", s.GrossPnL)
	assert.True(t, s.ROI.Equal(d(250)), "roi %s", s.ROI)
	assert.Equal(t, model.Win, s.Result)

	assert.Empty(t, h.engine.Positions())
	acct := h.engine.Account()
	assert.True(t, acct.RealizedPnL.Equal(d(100)))
	assert.True(t, acct.Available.Equal(d(10100)))

	list, err := h.engine.Settlements(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEngine_TakeProfitTriggersOnTick(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := h.open(t, marketBuy("ev-yes", 200, 5))

	_, err := h.engine.UpdateTpSl(ctx, p.ID, &model.Threshold{Value: d(10), Mode: model.Percent}, nil)
	require.NoError(t, err)

	settled, err := h.engine.OnPrice(ctx, h.price("ev-yes", 0.2199))
	require.NoError(t, err)
	assert.Empty(t, settled)

	settled, err = h.engine.OnPrice(ctx, h.price("ev-yes", 0.22))
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, model.CloseTakeProfit, settled[0].Reason)

	_, err = h.engine.ClosePosition(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)
	assert.GreaterOrEqual(t, h.pub.kinds()[events.KindPosition], 2)
	assert.Equal(t, 1, h.pub.kinds()[events.KindSettlement])
}

func TestEngine_NoDoubleSettlement(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := h.open(t, marketBuy("ev-yes", 200, 5))

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ClosePosition(ctx, p.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrAlreadyClosed):
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), losses.Load())
	list, err := h.store.ListSettlements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEngine_BinaryNormalization(t *testing.T) {
	h := newHarness(t, nil, Config{})

	req := marketBuy("ev-no", 8, 1)
	req.Side = model.Sell
	p := h.open(t, req)

	assert.Equal(t, "ev-yes", p.OptionRef)
	assert.Equal(t, model.Long, p.Side)
	assert.True(t, p.EntryPrice.Equal(d(0.2)))
	assert.True(t, p.Quantity.Equal(d(10)))
}

func TestEngine_SettlementWriteFailureIsQueued(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, st, Config{})
	ctx := context.Background()
	p := h.open(t, marketBuy("ev-yes", 200, 5))

	st.fails.Store(1)
	s, err := h.engine.ClosePosition(ctx, p.ID)
	require.NoError(t, err, "a queued settlement is not a caller error")
	assert.Equal(t, 1, h.engine.PendingWrites())

	list, err := h.engine.Settlements(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "pending settlements stay visible")
	assert.Equal(t, s.ID, list[0].ID)

	_, err = h.engine.FillTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.PendingWrites())

	stored, err := st.ListSettlements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, s.ID, stored[0].ID)
}

func TestEngine_ResolveEvent(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := h.open(t, marketBuy("race-a", 100, 2))

	limit := marketBuy("race-b", 30, 1)
	limit.Type = model.Limit
	lp := d(0.1)
	limit.LimitPrice = &lp
	working, err := h.engine.PlaceOrder(ctx, limit)
	require.NoError(t, err)

	settled, err := h.engine.ResolveEvent(ctx, "race", "race-a")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, p.ID, settled[0].PositionRef)
	assert.Equal(t, model.CloseExternalResolution, settled[0].Reason)
	assert.True(t, settled[0].ExitPrice.Equal(d(1)))
	assert.True(t, settled[0].GrossPnL.Equal(d(100)))

	o, err := h.engine.Order(working.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, o.Status)
}

func TestEngine_ResolveEventLosingSide(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	h.open(t, marketBuy("ev-yes", 20, 1))

	settled, err := h.engine.ResolveEvent(ctx, "ev", "ev-no")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.True(t, settled[0].ExitPrice.IsZero())
	assert.Equal(t, model.Lose, settled[0].Result)
}

func TestEngine_InsufficientBalance(t *testing.T) {
	h := newHarness(t, nil, Config{StartingBalance: d(100)})
	_, err := h.engine.PlaceOrder(context.Background(), marketBuy("ev-yes", 1000, 1))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Empty(t, h.engine.Orders())
}

func TestEngine_UpdateTpSl(t *testing.T) {
	h := newHarness(t, nil, Config{})
	ctx := context.Background()
	p := h.open(t, marketBuy("ev-yes", 200, 5))

	_, err := h.engine.UpdateTpSl(ctx, p.ID, &model.Threshold{Value: d(0.1), Mode: model.Absolute}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidThreshold, "take profit below a long entry")

	v, err := h.engine.UpdateTpSl(ctx, p.ID, nil, &model.Threshold{Value: d(0.15), Mode: model.Absolute})
	require.NoError(t, err)
	require.NotNil(t, v.StopLossPrice)
	assert.True(t, v.StopLossPrice.Equal(d(0.15)))

	_, err = h.engine.ClosePosition(ctx, p.ID)
	require.NoError(t, err)
	_, err = h.engine.UpdateTpSl(ctx, p.ID, nil, nil)
	assert.ErrorIs(t, err, model.ErrAlreadyClosed)
}

func TestEngine_Restore(t *testing.T) {
	st := store.NewMemoryStore()
	first := newHarness(t, st, Config{})
	ctx := context.Background()
	kept := first.open(t, marketBuy("ev-yes", 200, 5))
	closed := first.open(t, marketBuy("race-a", 50, 1))
	_, err := first.engine.ClosePosition(ctx, closed.ID)
	require.NoError(t, err)

	second := newHarness(t, st, Config{})
	require.NoError(t, second.engine.Restore(ctx))

	views := second.engine.Positions()
	require.Len(t, views, 1)
	assert.Equal(t, kept.ID, views[0].ID)
	assert.Len(t, second.engine.Orders(), 2)
	assert.True(t, second.engine.RealizedPnL().Equal(first.engine.RealizedPnL()))
}

func TestEngine_SettleResolvedAfterRestore(t *testing.T) {
	st := store.NewMemoryStore()
	first := newHarness(t, st, Config{})
	ctx := context.Background()
	held := first.open(t, marketBuy("ev-yes", 200, 5))
	other := first.open(t, marketBuy("race-a", 50, 1))

	second := newHarness(t, st, Config{})
	changed, err := second.catalog.MarkResolved("ev", "ev-yes")
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, second.engine.Restore(ctx))
	require.Len(t, second.engine.Positions(), 2)

	settled, err := second.engine.SettleResolved(ctx)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, held.ID, settled[0].PositionRef)
	assert.Equal(t, model.CloseExternalResolution, settled[0].Reason)
	assert.True(t, settled[0].ExitPrice.Equal(d(1)))

	views := second.engine.Positions()
	require.Len(t, views, 1)
	assert.Equal(t, other.ID, views[0].ID)

	open, err := st.ListPositions(ctx, "u1", model.PositionOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1, "durable row closed too")

	again, err := second.engine.SettleResolved(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEngine_OrderBook(t *testing.T) {
	h := newHarness(t, nil, Config{})
	b, err := h.engine.OrderBook("race-a", d(0.05))
	require.NoError(t, err)
	assert.NotEmpty(t, b.Bids)
	assert.NotEmpty(t, b.Asks)
	assert.True(t, b.BestBid.LessThan(b.BestAsk))
}

func TestEngine_RunDrivesTicks(t *testing.T) {
	h := newHarness(t, nil, Config{FillInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	o, err := h.engine.PlaceOrder(ctx, marketBuy("ev-yes", 200, 5))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := h.engine.Order(o.ID)
		return got.Status == model.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)

	views := h.engine.Positions()
	require.Len(t, views, 1)
	_, err = h.engine.UpdateTpSl(ctx, views[0].ID, nil, &model.Threshold{Value: d(10), Mode: model.Percent})
	require.NoError(t, err)

	h.price("ev-yes", 0.17)
	require.Eventually(t, func() bool { return len(h.engine.Positions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
