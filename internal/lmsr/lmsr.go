// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker over n mutually exclusive outcomes.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Prices that are always positive and sum to one
//   - Path-independent cost function
//
// The price simulator drives random order flow through it so that every
// event's outcome prices stay coherent. Inventories and costs are float64;
// prices leave the package as decimals.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a trade would push any price
	// beyond the allowed bounds [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// ErrUnknownOutcome is returned for an outcome index outside the book.
	ErrUnknownOutcome = errors.New("lmsr: outcome index out of range")

	// MinPrice is the lowest allowed price (probability floor).
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest allowed price (probability ceiling).
	MaxPrice = decimal.NewFromFloat(0.999)
)

// MarketMaker implements the LMSR cost function. It is stateless: the
// inventory vector q is passed as an argument, not stored.
type MarketMaker struct {
	b float64
}

// NewMarketMaker creates a market maker with liquidity parameter b. Higher
// b means more liquidity and lower price impact per trade.
func NewMarketMaker(b float64) (*MarketMaker, error) {
	if !(b > 0) || math.IsInf(b, 1) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() float64 {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

func (m *MarketMaker) scaled(q []float64) []float64 {
	out := make([]float64, len(q))
	for i, v := range q {
		out[i] = v / m.b
	}
	return out
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
func (m *MarketMaker) Cost(q []float64) float64 {
	return m.b * logSumExp(m.scaled(q))
}

// Prices computes every outcome's instantaneous price, the softmax of q/b:
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
func (m *MarketMaker) Prices(q []float64) []float64 {
	lse := logSumExp(m.scaled(q))
	out := make([]float64, len(q))
	for i, v := range q {
		out[i] = math.Exp(v/m.b - lse)
	}
	return out
}

// Quote rounds an instantaneous price to scale decimal places and clamps
// it to [MinPrice, MaxPrice].
func Quote(p float64, scale int32) decimal.Decimal {
	result := decimal.NewFromFloat(p).Round(scale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// Seed returns an inventory whose prices reproduce the given ones. Softmax
// ignores a constant shift, so q_i = b * ln(p_i) suffices. Prices outside
// (0, 1) fall back to the uniform 1/n.
func (m *MarketMaker) Seed(prices []decimal.Decimal) []float64 {
	n := float64(len(prices))
	q := make([]float64, len(prices))
	for i, p := range prices {
		f := p.InexactFloat64()
		if f <= 0 || f >= 1 {
			f = 1 / n
		}
		q[i] = m.b * math.Log(f)
	}
	return q
}

// TradeCost computes the cost of changing outcome i's inventory by delta:
//
//	cost = C(q + delta·e_i) - C(q)
//
// Positive delta is a buy (positive cost to the trader).
func (m *MarketMaker) TradeCost(q []float64, i int, delta float64) (float64, error) {
	if i < 0 || i >= len(q) {
		return 0, ErrUnknownOutcome
	}
	after := append([]float64(nil), q...)
	after[i] += delta
	return m.Cost(after) - m.Cost(q), nil
}

// ValidateTrade checks whether a trade on outcome i would push any price
// beyond the bounds.
func (m *MarketMaker) ValidateTrade(q []float64, i int, delta float64) error {
	if i < 0 || i >= len(q) {
		return ErrUnknownOutcome
	}
	after := append([]float64(nil), q...)
	after[i] += delta
	minF, maxF := MinPrice.InexactFloat64(), MaxPrice.InexactFloat64()
	for _, p := range m.Prices(after) {
		if p < minF || p > maxF {
			return ErrPriceBoundExceeded
		}
	}
	return nil
}

// MaxLoss returns the market maker's worst-case loss over n outcomes:
// b * ln(n).
func (m *MarketMaker) MaxLoss(n int) float64 {
	if n < 2 {
		return 0
	}
	return m.b * math.Log(float64(n))
}
