package orderbook

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// RawLevel is one externally supplied {price, quantity} entry.
type RawLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Tracker remembers the previous raw snapshot per option and side so each
// refresh can flag the levels that changed since the last tick.
type Tracker struct {
	mu   sync.Mutex
	prev map[string]map[string]decimal.Decimal // optionID|side -> price -> qty
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{prev: make(map[string]map[string]decimal.Decimal)}
}

// Diff converts raw levels into Levels, flagging new or resized ones.
func (t *Tracker) Diff(optionID string, side Side, raw []RawLevel) []Level {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := optionID + "|" + string(side)
	last := t.prev[key]
	next := make(map[string]decimal.Decimal, len(raw))
	out := make([]Level, 0, len(raw))

	for _, r := range raw {
		p := r.Price.String()
		prevQty, seen := last[p]
		out = append(out, Level{
			Price:    r.Price,
			Quantity: r.Quantity,
			Changed:  !seen || !prevQty.Equal(r.Quantity),
		})
		next[p] = next[p].Add(r.Quantity)
	}
	t.prev[key] = next
	return out
}

// Forget drops the history of an option.
func (t *Tracker) Forget(optionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, optionID+"|"+string(Bid))
	delete(t.prev, optionID+"|"+string(Ask))
}

// SynthConfig shapes generated depth.
type SynthConfig struct {
	Levels      int             // levels per side
	TickSize    decimal.Decimal // spacing between levels
	MaxQuantity int64           // upper bound of a level's quantity
}

var (
	minBinaryPrice = decimal.NewFromFloat(0.001)
	maxBinaryPrice = decimal.NewFromFloat(0.999)
)

// Synthesize generates raw depth around a mark price for options that have
// no external book. Prices stay inside (0, 1) since contracts pay at most 1.
func Synthesize(mark decimal.Decimal, cfg SynthConfig, rng *rand.Rand) (bids, asks []RawLevel) {
	if cfg.Levels <= 0 || !cfg.TickSize.IsPositive() || !mark.IsPositive() {
		return nil, nil
	}
	maxQty := cfg.MaxQuantity
	if maxQty <= 0 {
		maxQty = 1000
	}

	for i := 1; i <= cfg.Levels; i++ {
		offset := cfg.TickSize.Mul(decimal.NewFromInt(int64(i)))

		if bp := mark.Sub(offset); bp.GreaterThanOrEqual(minBinaryPrice) {
			bids = append(bids, RawLevel{Price: bp, Quantity: decimal.NewFromInt(1 + rng.Int63n(maxQty))})
		}
		if ap := mark.Add(offset); ap.LessThanOrEqual(maxBinaryPrice) {
			asks = append(asks, RawLevel{Price: ap, Quantity: decimal.NewFromInt(1 + rng.Int63n(maxQty))})
		}
	}
	return bids, asks
}
