package lmsr

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMM(t *testing.T, b float64) *MarketMaker {
	t.Helper()
	mm, err := NewMarketMaker(b)
	require.NoError(t, err)
	return mm
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

// --- Constructor tests ---

func TestNewMarketMaker(t *testing.T) {
	mm, err := NewMarketMaker(100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, mm.B())

	for _, b := range []float64{0, -50, math.NaN(), math.Inf(1)} {
		_, err := NewMarketMaker(b)
		assert.ErrorIs(t, err, ErrInvalidLiquidity, "b=%v", b)
	}
}

// --- Price function tests ---

func TestPrices_UniformAtZeroInventory(t *testing.T) {
	mm := newMM(t, 100)
	for _, n := range []int{2, 3, 5} {
		ps := mm.Prices(make([]float64, n))
		for _, p := range ps {
			assert.InDelta(t, 1/float64(n), p, 1e-12)
		}
	}
}

func TestPrices_SumToOne(t *testing.T) {
	mm := newMM(t, 50)
	for _, q := range [][]float64{
		{0, 0},
		{10, -4},
		{120, 3, -80},
		{1e4, 0, 0, 0},
	} {
		assert.InDelta(t, 1.0, sum(mm.Prices(q)), 1e-9, "q=%v", q)
	}
}

func TestPrices_BuyingRaisesOwnPriceOnly(t *testing.T) {
	mm := newMM(t, 100)
	before := mm.Prices([]float64{0, 0, 0})
	after := mm.Prices([]float64{0, 20, 0})
	assert.Greater(t, after[1], before[1])
	assert.Less(t, after[0], before[0])
	assert.Less(t, after[2], before[2])
}

func TestPrices_ExtremeQuantitiesNoOverflow(t *testing.T) {
	mm := newMM(t, 1)
	ps := mm.Prices([]float64{1e6, 0})
	assert.False(t, math.IsNaN(ps[0]))
	assert.InDelta(t, 1.0, ps[0], 1e-12)
}

func TestQuote_RoundsAndClamps(t *testing.T) {
	assert.True(t, Quote(0.123456, 3).Equal(d(0.123)))
	assert.True(t, Quote(0.00001, 4).Equal(MinPrice))
	assert.True(t, Quote(0.99999, 4).Equal(MaxPrice))
}

func TestSeed_ReproducesPrices(t *testing.T) {
	mm := newMM(t, 100)
	want := []decimal.Decimal{d(0.5), d(0.3), d(0.2)}
	ps := mm.Prices(mm.Seed(want))
	for i, w := range want {
		assert.InDelta(t, w.InexactFloat64(), ps[i], 1e-9)
	}
}

func TestSeed_InvalidPricesFallBackToUniform(t *testing.T) {
	mm := newMM(t, 100)
	ps := mm.Prices(mm.Seed([]decimal.Decimal{d(0), d(0), d(0), d(1)}))
	for _, p := range ps {
		assert.InDelta(t, 0.25, p, 1e-9)
	}
}

// --- Cost function tests ---

func TestTradeCost_Signs(t *testing.T) {
	mm := newMM(t, 100)
	q := []float64{0, 0}

	buy, err := mm.TradeCost(q, 0, 10)
	require.NoError(t, err)
	assert.Greater(t, buy, 0.0)

	sell, err := mm.TradeCost(q, 0, -10)
	require.NoError(t, err)
	assert.Less(t, sell, 0.0)

	_, err = mm.TradeCost(q, 2, 1)
	assert.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestTradeCost_DoesNotMutateInventory(t *testing.T) {
	mm := newMM(t, 100)
	q := []float64{1, 2, 3}
	_, err := mm.TradeCost(q, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, q)
}

func TestCost_PathIndependence(t *testing.T) {
	mm := newMM(t, 100)
	q := []float64{0, 0, 0}

	// Buy 10 of outcome 0 then 20 of outcome 2, versus the reverse.
	a1, _ := mm.TradeCost(q, 0, 10)
	a2, _ := mm.TradeCost([]float64{10, 0, 0}, 2, 20)
	b1, _ := mm.TradeCost(q, 2, 20)
	b2, _ := mm.TradeCost([]float64{0, 0, 20}, 0, 10)

	assert.InDelta(t, a1+a2, b1+b2, 1e-9)
}

func TestCost_Convexity(t *testing.T) {
	mm := newMM(t, 100)
	first, _ := mm.TradeCost([]float64{0, 0}, 0, 10)
	second, _ := mm.TradeCost([]float64{10, 0}, 0, 10)
	assert.Greater(t, second, first, "each further share costs more")
}

func TestMaxLoss(t *testing.T) {
	mm := newMM(t, 100)
	assert.InDelta(t, 100*math.Log(2), mm.MaxLoss(2), 1e-9)
	assert.InDelta(t, 100*math.Log(4), mm.MaxLoss(4), 1e-9)
	assert.Zero(t, mm.MaxLoss(1))

	// Buying every share of the eventual winner from zero never costs the
	// market maker more than b·ln(n).
	cost := mm.Cost([]float64{1e5, 0}) - mm.Cost([]float64{0, 0})
	assert.LessOrEqual(t, 1e5-cost, mm.MaxLoss(2)+1e-6)
}

// --- Validation tests ---

func TestValidateTrade(t *testing.T) {
	mm := newMM(t, 10)
	q := []float64{0, 0, 0}

	assert.NoError(t, mm.ValidateTrade(q, 0, 5))
	assert.ErrorIs(t, mm.ValidateTrade(q, 0, 200), ErrPriceBoundExceeded)
	assert.ErrorIs(t, mm.ValidateTrade(q, 1, -200), ErrPriceBoundExceeded)
	assert.ErrorIs(t, mm.ValidateTrade(q, -1, 1), ErrUnknownOutcome)
}

// --- logSumExp tests ---

func TestLogSumExp(t *testing.T) {
	assert.True(t, math.IsInf(logSumExp(nil), -1))
	assert.InDelta(t, 3.0, logSumExp([]float64{3}), 1e-12)
	assert.InDelta(t, 2+math.Log(3), logSumExp([]float64{2, 2, 2}), 1e-12)

	got := logSumExp([]float64{1000, 1000})
	assert.False(t, math.IsInf(got, 1))
	assert.InDelta(t, 1000+math.Log(2), got, 1e-9)
}
