// Package pricefeed supplies mark prices per option: the latest live tick
// when one has been seen, otherwise the static catalog quote.
package pricefeed

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
)

// ErrNoQuote is returned when neither a live nor a static price exists.
var ErrNoQuote = errors.New("pricefeed: no quote for option")

// StaticQuoter provides fallback quotes, normally the event catalog.
type StaticQuoter interface {
	StaticQuote(optionID string) (decimal.Decimal, bool)
}

// Feed keeps the latest price per option and fans updates out to subscribers.
type Feed struct {
	mu     sync.RWMutex
	latest map[string]model.PriceUpdate
	subs   map[int]chan model.PriceUpdate
	nextID int
	static StaticQuoter
}

// NewFeed creates a feed. static may be nil.
func NewFeed(static StaticQuoter) *Feed {
	return &Feed{
		latest: make(map[string]model.PriceUpdate),
		subs:   make(map[int]chan model.PriceUpdate),
		static: static,
	}
}

// Publish records a tick and delivers it to every subscriber. Ticks with a
// non-positive price or an older timestamp than the stored one are ignored.
func (f *Feed) Publish(u model.PriceUpdate) bool {
	if !u.Price.IsPositive() || u.OptionID == "" {
		return false
	}

	f.mu.Lock()
	if prev, ok := f.latest[u.OptionID]; ok && u.Timestamp.Before(prev.Timestamp) {
		f.mu.Unlock()
		return false
	}
	f.latest[u.OptionID] = u
	subs := make([]chan model.PriceUpdate, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()

	metrics.PriceTicks.Inc()
	for _, ch := range subs {
		select {
		case ch <- u:
		default:
			// Slow subscriber; it can still read the latest mark.
			metrics.PriceTicksDropped.Inc()
		}
	}
	return true
}

// Subscribe returns a buffered channel of future ticks and a cancel func.
func (f *Feed) Subscribe(buffer int) (<-chan model.PriceUpdate, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan model.PriceUpdate, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Latest returns the last live tick of an option.
func (f *Feed) Latest(optionID string) (model.PriceUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.latest[optionID]
	return u, ok
}

// Mark returns the live price, falling back to the static quote.
func (f *Feed) Mark(optionID string) (decimal.Decimal, error) {
	if u, ok := f.Latest(optionID); ok {
		return u.Price, nil
	}
	if f.static != nil {
		if p, ok := f.static.StaticQuote(optionID); ok {
			return p, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, optionID)
}
