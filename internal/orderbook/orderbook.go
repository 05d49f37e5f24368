// Package orderbook re-buckets raw bid/ask liquidity into a selectable price
// step and computes cumulative depth for display. It has no network duties:
// raw levels are supplied by the caller on a timer.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Side selects the book side being aggregated.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Level is one price level of a book side.
type Level struct {
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	CumulativeTotal decimal.Decimal `json:"cumulative_total"`
	Changed         bool            `json:"changed_since_last_tick"`
}

// Book is an aggregated two-sided snapshot.
type Book struct {
	OptionID string          `json:"option_id"`
	Step     decimal.Decimal `json:"step"`
	Bids     []Level         `json:"bids"`
	Asks     []Level         `json:"asks"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`
	Spread   decimal.Decimal `json:"spread"`
	Mid      decimal.Decimal `json:"mid"`
}

// StepPlaces returns the decimal places of a bucket key for the given step:
// -floor(log10(step)) digits when step < 1, otherwise 0.
func StepPlaces(step decimal.Decimal) int32 {
	one := decimal.NewFromInt(1)
	if step.GreaterThanOrEqual(one) || !step.IsPositive() {
		return 0
	}
	ten := decimal.NewFromInt(10)
	var places int32
	for v := step; v.LessThan(one); v = v.Mul(ten) {
		places++
	}
	return places
}

// bucket rounds a price onto the step grid: bids down, asks up.
func bucket(price, step decimal.Decimal, side Side, places int32) decimal.Decimal {
	units := price.Div(step)
	if side == Bid {
		units = units.Floor()
	} else {
		units = units.Ceil()
	}
	return units.Mul(step).Round(places)
}

// Aggregate re-buckets levels of one side to the step resolution. Quantities
// landing in the same bucket are summed; a bucket is flagged changed if any
// of its constituents changed. The output is sorted best-first (bids
// descending, asks ascending) and cumulative totals are recomputed after
// sorting, so carried-over totals in the input are ignored.
func Aggregate(levels []Level, step decimal.Decimal, side Side) []Level {
	if len(levels) == 0 {
		return []Level{}
	}

	places := StepPlaces(step)
	buckets := make(map[string]*Level, len(levels))
	for _, l := range levels {
		key := l.Price
		if step.IsPositive() {
			key = bucket(l.Price, step, side, places)
		}
		k := key.String()
		b, ok := buckets[k]
		if !ok {
			b = &Level{Price: key}
			buckets[k] = b
		}
		b.Quantity = b.Quantity.Add(l.Quantity)
		b.Changed = b.Changed || l.Changed
	}

	out := make([]Level, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sortSide(out, side)

	running := decimal.Zero
	for i := range out {
		running = running.Add(out[i].Quantity)
		out[i].CumulativeTotal = running
	}
	return out
}

func sortSide(levels []Level, side Side) {
	sort.Slice(levels, func(i, j int) bool {
		if side == Bid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// Snapshot aggregates both sides and derives top-of-book figures.
func Snapshot(optionID string, bids, asks []Level, step decimal.Decimal) Book {
	b := Book{
		OptionID: optionID,
		Step:     step,
		Bids:     Aggregate(bids, step, Bid),
		Asks:     Aggregate(asks, step, Ask),
	}
	if len(b.Bids) > 0 {
		b.BestBid = b.Bids[0].Price
	}
	if len(b.Asks) > 0 {
		b.BestAsk = b.Asks[0].Price
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 {
		b.Spread = b.BestAsk.Sub(b.BestBid)
		b.Mid = b.BestAsk.Add(b.BestBid).Div(decimal.NewFromInt(2))
	}
	return b
}
