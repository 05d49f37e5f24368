package pricefeed

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/lmsr"
	"github.com/atmx/position-engine/internal/model"
)

var (
	// MinPrice and MaxPrice bound simulated prices so no outcome looks certain.
	MinPrice = lmsr.MinPrice
	MaxPrice = lmsr.MaxPrice
)

// SimConfig shapes the synthetic random walk.
type SimConfig struct {
	Liquidity  float64 // LMSR b; higher means smaller moves per trade
	MaxTrade   float64 // upper bound of a random trade in shares
	PriceScale int32   // decimal places of published prices
}

// book is the LMSR inventory vector of one event.
type book struct {
	eventID string
	options []string
	q       []float64
}

// Simulator drives a random walk of every event's prices through an LMSR
// market maker and publishes them to a Feed. It stands in for a live feed.
type Simulator struct {
	mu    sync.Mutex
	feed  *Feed
	mm    *lmsr.MarketMaker
	books []*book
	cfg   SimConfig
	rng   *rand.Rand
	now   func() time.Time
}

// NewSimulator seeds one book per event so its opening prices match the
// static quotes.
func NewSimulator(feed *Feed, events []event.Event, cfg SimConfig, rng *rand.Rand) *Simulator {
	if cfg.Liquidity <= 0 {
		cfg.Liquidity = 100
	}
	if cfg.MaxTrade <= 0 {
		cfg.MaxTrade = cfg.Liquidity / 10
	}
	if cfg.PriceScale <= 0 {
		cfg.PriceScale = 4
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	mm, _ := lmsr.NewMarketMaker(cfg.Liquidity)
	s := &Simulator{feed: feed, mm: mm, cfg: cfg, rng: rng, now: time.Now}
	for _, e := range events {
		if e.Status == event.StatusResolved {
			continue
		}
		s.books = append(s.books, s.seedBook(e))
	}
	return s
}

func (s *Simulator) seedBook(e event.Event) *book {
	bk := &book{eventID: e.ID}
	prices := make([]decimal.Decimal, 0, len(e.Options))
	for _, o := range e.Options {
		bk.options = append(bk.options, o.ID)
		prices = append(prices, o.StaticPrice)
	}
	bk.q = s.mm.Seed(prices)
	return bk
}

// Step applies one random trade per book and publishes the resulting prices.
// Trades that would push any price out of bounds are skipped.
func (s *Simulator) Step() []model.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []model.PriceUpdate

	for _, bk := range s.books {
		if len(bk.q) == 0 {
			continue
		}
		i := s.rng.Intn(len(bk.q))
		delta := (s.rng.Float64()*2 - 1) * s.cfg.MaxTrade
		if s.mm.ValidateTrade(bk.q, i, delta) == nil {
			bk.q[i] += delta
		}

		ps := s.mm.Prices(bk.q)
		for j, id := range bk.options {
			price := lmsr.Quote(ps[j], s.cfg.PriceScale)
			if len(bk.options) == 2 && j == 1 {
				// Keeps yes + no exactly 1 after rounding.
				price = decimal.NewFromInt(1).Sub(lmsr.Quote(ps[0], s.cfg.PriceScale))
			}
			u := model.PriceUpdate{OptionID: id, Price: price, Timestamp: now}
			if s.feed != nil {
				s.feed.Publish(u)
			}
			out = append(out, u)
		}
	}
	return out
}

// Halt stops the random walk of a resolved event. It reports whether the
// event had a book.
func (s *Simulator) Halt(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, bk := range s.books {
		if bk.eventID == eventID {
			s.books = append(s.books[:i], s.books[i+1:]...)
			return true
		}
	}
	return false
}
