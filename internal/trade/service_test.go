package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/engine"
	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/orderbook"
	"github.com/atmx/position-engine/internal/pricefeed"
	"github.com/atmx/position-engine/internal/session"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/store"
	"github.com/atmx/position-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router   chi.Router
	sessions *session.Manager
	feed     *pricefeed.Feed
	hub      *trade.WSHub
}

// newTestEnv creates a Service over in-memory stores and a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cat, err := event.NewCatalog([]event.Event{
		{ID: "ev", Options: []event.Option{
			{ID: "ev-yes", Label: "Yes", StaticPrice: d(0.2)},
			{ID: "ev-no", Label: "No", StaticPrice: d(0.8)},
		}},
	})
	require.NoError(t, err)

	feed := pricefeed.NewFeed(cat)
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	sessions := session.NewManager(ctx, store.NewMemoryStore(), engine.Deps{
		Feed:      feed,
		Catalog:   cat,
		Calc:      settlement.NewCalculator(settlement.FeeSchedule{FundingPeriod: 8 * time.Hour}),
		Books:     orderbook.NewProvider(feed, orderbook.SynthConfig{Levels: 5}, nil),
		Publisher: hub,
	}, engine.Config{FillInterval: time.Hour, MaxLeverage: 50})
	t.Cleanup(func() {
		_ = sessions.Close()
		cancel()
	})

	svc := trade.NewService(sessions, cat, feed, hub)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, sessions: sessions, feed: feed, hub: hub}
}

func (env *testEnv) do(t *testing.T, method, path, sessionID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(trade.HeaderSession, sessionID)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func buyYes(notional string, leverage int) map[string]any {
	return map[string]any{
		"side":       "buy",
		"order_type": "market",
		"event_ref":  "ev",
		"option_ref": "ev-yes",
		"notional":   notional,
		"leverage":   leverage,
	}
}

// openPosition places a market buy and runs the session's fill tick.
func (env *testEnv) openPosition(t *testing.T, sessionID string) model.PositionView {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/orders", sessionID, buyYes("100", 5))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	eng, ok := env.sessions.Get(sessionID)
	require.True(t, ok)
	_, err := eng.FillTick(context.Background())
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/api/v1/positions", sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	positions := decode[[]model.PositionView](t, w)
	require.Len(t, positions, 1)
	return positions[0]
}

// --- Orders ---

func TestPlaceOrder_AssignsSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/orders", "", buyYes("100", 5))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sid := w.Header().Get(trade.HeaderSession)
	require.NotEmpty(t, sid)

	o := decode[model.Order](t, w)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.True(t, o.RequestedQuantity.Equal(d(500)))

	w = env.do(t, http.MethodGet, "/api/v1/orders", sid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Order](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, sid, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPlaceOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "not an order", http.StatusBadRequest},
		{"zero leverage", buyYes("100", 0), http.StatusBadRequest},
		{"leverage above max", buyYes("100", 51), http.StatusBadRequest},
		{"unknown option", map[string]any{
			"side": "buy", "order_type": "market", "event_ref": "ev",
			"option_ref": "nope", "notional": "100", "leverage": 2,
		}, http.StatusBadRequest},
		{"insufficient balance", buyYes("50000", 1), http.StatusPaymentRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/orders", "s-reject", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	limit := buyYes("100", 2)
	limit["order_type"] = "limit"
	limit["limit_price"] = "0.1"

	w := env.do(t, http.MethodPost, "/api/v1/orders", "s1", limit)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decode[model.Order](t, w)

	w = env.do(t, http.MethodDelete, "/api/v1/orders/"+o.ID, "s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.OrderCancelled, decode[model.Order](t, w).Status)

	w = env.do(t, http.MethodDelete, "/api/v1/orders/"+o.ID, "s1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/orders/missing", "s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Positions ---

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t)
	pos := env.openPosition(t, "s1")
	env.feed.Publish(model.PriceUpdate{OptionID: "ev-yes", Price: d(0.3), Timestamp: time.Now()})

	w := env.do(t, http.MethodPost, "/api/v1/positions/"+pos.ID+"/close", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[model.Settlement](t, w)
	assert.Equal(t, model.CloseManual, st.Reason)
	assert.True(t, st.ExitPrice.Equal(d(0.3)))
	assert.True(t, st.GrossPnL.Equal(d(50)), st.GrossPnL.String())

	w = env.do(t, http.MethodPost, "/api/v1/positions/"+pos.ID+"/close", "s1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/settlements", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Settlement](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/account", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acct := decode[model.Account](t, w)
	assert.True(t, acct.RealizedPnL.Equal(d(50)))
	assert.True(t, acct.Available.Equal(d(10050)), acct.Available.String())
}

func TestClosePosition_Unknown(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/positions/missing/close", "s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/positions/missing", "s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateTpSl(t *testing.T) {
	env := newTestEnv(t)
	pos := env.openPosition(t, "s1")

	w := env.do(t, http.MethodPut, "/api/v1/positions/"+pos.ID+"/tpsl", "s1", trade.TpSlRequest{
		TakeProfit: &model.Threshold{Value: d(0.4), Mode: model.Absolute},
		StopLoss:   &model.Threshold{Value: d(50), Mode: model.Percent},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[model.PositionView](t, w)
	require.NotNil(t, v.TakeProfitPrice)
	assert.True(t, v.TakeProfitPrice.Equal(d(0.4)))
	require.NotNil(t, v.StopLossPrice)
	assert.True(t, v.StopLossPrice.Equal(d(0.1)))

	w = env.do(t, http.MethodPut, "/api/v1/positions/"+pos.ID+"/tpsl", "s1", trade.TpSlRequest{
		TakeProfit: &model.Threshold{Value: d(0.1), Mode: model.Absolute},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Market data ---

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/prices/ev-yes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.PriceUpdate](t, w).Price.Equal(d(0.2)))

	env.feed.Publish(model.PriceUpdate{OptionID: "ev-yes", Price: d(0.25), Timestamp: time.Now()})
	w = env.do(t, http.MethodGet, "/api/v1/prices/ev-yes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.PriceUpdate](t, w).Price.Equal(d(0.25)))

	w = env.do(t, http.MethodGet, "/api/v1/prices/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderBook(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/orderbook/ev-yes?step=0.01", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	book := decode[orderbook.Book](t, w)
	assert.Equal(t, "ev-yes", book.OptionID)
	assert.True(t, book.Step.Equal(d(0.01)))
	assert.NotEmpty(t, book.Bids)
	assert.NotEmpty(t, book.Asks)

	w = env.do(t, http.MethodGet, "/api/v1/orderbook/ev-yes?step=wide", "s1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/orderbook/unknown", "s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/events", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]event.Event](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "ev", list[0].ID)
}

// --- Resolution and sessions ---

func TestResolveEvent(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t, "s1")

	w := env.do(t, http.MethodPost, "/api/v1/events/ev/resolve", "", trade.ResolveRequest{WinningOptionID: "ev-yes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[trade.ResolveResponse](t, w)
	require.Len(t, resp.Settlements, 1)
	assert.Equal(t, model.CloseExternalResolution, resp.Settlements[0].Reason)

	w = env.do(t, http.MethodPost, "/api/v1/events/ev/resolve", "", trade.ResolveRequest{WinningOptionID: "ev-yes"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/orders", "s1", buyYes("100", 5))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/events/missing/resolve", "", trade.ResolveRequest{WinningOptionID: "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/events/ev/resolve", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	env.openPosition(t, "s1")

	w := env.do(t, http.MethodDelete, "/api/v1/session", "s1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/session", "s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/session", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// An ended anonymous session starts over with nothing.
	w = env.do(t, http.MethodGet, "/api/v1/positions", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.PositionView](t, w))
}

func TestIdentityMismatch(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/orders", "s1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(trade.HeaderSession, "s1")
	req.Header.Set(trade.HeaderUser, "u1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- WebSocket ---

func TestWSHub_RoutesByUser(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?session=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.hub.Publish(ctx, events.New(events.KindOrder, "other", "anon-other", "hidden")))
	require.NoError(t, env.hub.Publish(ctx, events.New(events.KindOrder, "s1", "anon-s1", "mine")))
	require.NoError(t, env.hub.Publish(ctx, events.New(events.KindPrice, "", "", "tick")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []string
	for len(got) < 2 {
		var m struct {
			Type    string `json:"type"`
			Payload string `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&m))
		got = append(got, m.Type+":"+m.Payload)
	}
	assert.Equal(t, []string{"order:mine", "price:tick"}, got)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
