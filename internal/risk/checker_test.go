package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeState struct {
	open     []model.Position
	realized decimal.Decimal
}

func (s *fakeState) OpenPositions() []model.Position { return s.open }

func (s *fakeState) RealizedPnL() decimal.Decimal { return s.realized }

type flatFee struct{ rate decimal.Decimal }

func (f flatFee) EntryFee(n decimal.Decimal) decimal.Decimal { return n.Mul(f.rate) }

func catalog(t *testing.T) *event.Catalog {
	t.Helper()
	c, err := event.NewCatalog([]event.Event{
		{ID: "ev", Options: []event.Option{{ID: "ev-yes", Label: "Yes"}, {ID: "ev-no", Label: "No"}}},
		{ID: "race", Options: []event.Option{{ID: "race-a"}, {ID: "race-b"}, {ID: "race-c"}}},
	})
	require.NoError(t, err)
	return c
}

func order(eventRef, option string, side model.OrderSide, notional float64, lev int) model.Order {
	return model.Order{
		EventRef:          eventRef,
		OptionRef:         option,
		Side:              side,
		RequestedNotional: d(notional),
		Leverage:          lev,
		Status:            model.OrderPending,
	}
}

func TestCheck_WithinBalance(t *testing.T) {
	c := NewChecker(d(1000), Limits{}, &fakeState{}, flatFee{d(0.001)}, nil)
	assert.NoError(t, c.Check(order("ev", "ev-yes", model.Buy, 4000, 5), decimal.Zero))
}

func TestCheck_InsufficientBalance(t *testing.T) {
	state := &fakeState{
		open:     []model.Position{{Margin: d(600)}},
		realized: d(-100),
	}
	c := NewChecker(d(1000), Limits{}, state, nil, nil)

	// available = 1000 - 100 - 600 - 150 = 150; required = 200
	err := c.Check(order("ev", "ev-yes", model.Buy, 1000, 5), d(150))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	assert.NoError(t, c.Check(order("ev", "ev-yes", model.Buy, 750, 5), d(150)))
}

func TestCheck_EntryFeeCounts(t *testing.T) {
	c := NewChecker(d(100), Limits{}, &fakeState{}, flatFee{d(0.01)}, nil)
	// margin 100 + fee 1
	assert.ErrorIs(t, c.Check(order("ev", "ev-yes", model.Buy, 100, 1), decimal.Zero), model.ErrInsufficientBalance)
}

func TestCheck_PerOptionLimit(t *testing.T) {
	state := &fakeState{open: []model.Position{
		{EventRef: "race", OptionRef: "race-a", Side: model.Long, EntryPrice: d(0.5), Quantity: d(1800), Margin: d(90)},
	}}
	c := NewChecker(d(1e6), Limits{MaxPerOption: d(1000)}, state, nil, nil)

	err := c.Check(order("race", "race-a", model.Buy, 200, 1), decimal.Zero)
	assert.ErrorIs(t, err, ErrExposureLimit)
	assert.ErrorIs(t, err, model.ErrInvalidOrder)

	// Selling reduces net exposure.
	assert.NoError(t, c.Check(order("race", "race-a", model.Sell, 200, 1), decimal.Zero))
}

func TestCheck_BinaryNoOffsetsYes(t *testing.T) {
	state := &fakeState{open: []model.Position{
		{EventRef: "ev", OptionRef: "ev-yes", Side: model.Long, EntryPrice: d(0.5), Quantity: d(1800), Margin: d(90)},
	}}
	c := NewChecker(d(1e6), Limits{MaxPerOption: d(1000)}, state, nil, catalog(t))

	// Buying No is a Yes short: 900 - 300 stays inside the limit.
	assert.NoError(t, c.Check(order("ev", "ev-no", model.Buy, 300, 1), decimal.Zero))
	assert.ErrorIs(t, c.Check(order("ev", "ev-no", model.Sell, 300, 1), decimal.Zero), ErrExposureLimit)
}

func TestCheck_PerEventLimit(t *testing.T) {
	state := &fakeState{open: []model.Position{
		{EventRef: "race", OptionRef: "race-a", Side: model.Long, EntryPrice: d(0.5), Quantity: d(1000)},
		{EventRef: "race", OptionRef: "race-b", Side: model.Short, EntryPrice: d(0.5), Quantity: d(1000)},
		{EventRef: "other", OptionRef: "x", Side: model.Long, EntryPrice: d(0.5), Quantity: d(5000)},
	}}
	c := NewChecker(d(1e6), Limits{MaxPerEvent: d(1200)}, state, nil, nil)

	// 500 + 500 + 300 = 1300 > 1200; the other event is ignored.
	assert.ErrorIs(t, c.Check(order("race", "race-c", model.Buy, 300, 1), decimal.Zero), ErrExposureLimit)
	assert.NoError(t, c.Check(order("race", "race-c", model.Buy, 100, 1), decimal.Zero))
}

func TestAccount(t *testing.T) {
	state := &fakeState{
		open:     []model.Position{{Margin: d(40)}, {Margin: d(10)}},
		realized: d(25),
	}
	c := NewChecker(d(1000), Limits{}, state, nil, nil)
	a := c.Account("u1", d(5), d(-3))

	assert.True(t, a.UsedMargin.Equal(d(50)))
	assert.True(t, a.Available.Equal(d(970)))
	assert.True(t, a.Equity.Equal(d(1022)))
	assert.Equal(t, "u1", a.UserID)
}
