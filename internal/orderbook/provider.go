package orderbook

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoDepth is returned for an option whose depth cannot be built.
var ErrNoDepth = errors.New("orderbook: no depth for option")

// Quoter supplies the mark price synthetic depth is built around.
type Quoter interface {
	Mark(optionID string) (decimal.Decimal, error)
}

type sides struct {
	bids []Level
	asks []Level
}

// Provider keeps the latest raw depth per option. Refresh regenerates it on
// a timer; Book aggregates the last refresh at any step.
type Provider struct {
	mu      sync.Mutex
	quotes  Quoter
	cfg     SynthConfig
	rng     *rand.Rand
	tracker *Tracker
	latest  map[string]sides
}

// NewProvider creates a provider of synthetic depth around live marks. A
// nil rng is seeded from the clock.
func NewProvider(quotes Quoter, cfg SynthConfig, rng *rand.Rand) *Provider {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 10
	}
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = decimal.New(1, -3)
	}
	return &Provider{
		quotes:  quotes,
		cfg:     cfg,
		rng:     rng,
		tracker: NewTracker(),
		latest:  make(map[string]sides),
	}
}

// Refresh regenerates the raw depth of the given options. Options without
// a mark are skipped.
func (p *Provider) Refresh(optionIDs ...string) {
	for _, id := range optionIDs {
		mark, err := p.quotes.Mark(id)
		if err != nil {
			continue
		}
		p.mu.Lock()
		bids, asks := Synthesize(mark, p.cfg, p.rng)
		p.latest[id] = sides{
			bids: p.tracker.Diff(id, Bid, bids),
			asks: p.tracker.Diff(id, Ask, asks),
		}
		p.mu.Unlock()
	}
}

// Book aggregates the latest depth of an option at step. A zero step uses
// the provider's tick size.
func (p *Provider) Book(optionID string, step decimal.Decimal) (Book, error) {
	if !step.IsPositive() {
		step = p.cfg.TickSize
	}
	p.mu.Lock()
	s, ok := p.latest[optionID]
	p.mu.Unlock()
	if !ok {
		p.Refresh(optionID)
		p.mu.Lock()
		s, ok = p.latest[optionID]
		p.mu.Unlock()
		if !ok {
			return Book{}, ErrNoDepth
		}
	}
	return Snapshot(optionID, s.bids, s.asks, step), nil
}

// Forget drops an option's depth and change history.
func (p *Provider) Forget(optionID string) {
	p.mu.Lock()
	delete(p.latest, optionID)
	p.mu.Unlock()
	p.tracker.Forget(optionID)
}
