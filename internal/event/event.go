// Package event holds the read-only catalog of tradable events and their
// options, and the binary-event normalization applied when positions open.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// Event statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// refRegex matches event and option ids: lowercase slug segments.
// Example: us-election-2028, us-election-2028-yes
var refRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrInvalidRef    = errors.New("event: invalid reference format")
	ErrUnknownEvent  = errors.New("event: unknown event")
	ErrUnknownOption = errors.New("event: option does not belong to event")
	ErrDuplicate     = errors.New("event: duplicate id")
)

// Option is one tradable outcome of an event. StaticPrice is the fallback
// quote used when no live price has been observed yet.
type Option struct {
	ID          string          `json:"id" mapstructure:"id"`
	Label       string          `json:"label" mapstructure:"label"`
	StaticPrice decimal.Decimal `json:"static_price" mapstructure:"static_price"`
}

// Event groups the options that resolve together.
type Event struct {
	ID      string   `json:"id" mapstructure:"id"`
	Title   string   `json:"title" mapstructure:"title"`
	Options []Option `json:"options" mapstructure:"options"`
	Status  string   `json:"status" mapstructure:"status"`
	Winner  string   `json:"winner,omitempty" mapstructure:"winner"`
}

// IsBinary reports whether the event has exactly two options.
func (e *Event) IsBinary() bool {
	return len(e.Options) == 2
}

// YesOption returns the option labelled "Yes", falling back to the first option.
func (e *Event) YesOption() Option {
	for _, o := range e.Options {
		if strings.EqualFold(o.Label, "yes") {
			return o
		}
	}
	return e.Options[0]
}

// NoOption returns the option that is not the Yes option of a binary event.
func (e *Event) NoOption() Option {
	yes := e.YesOption()
	for _, o := range e.Options {
		if o.ID != yes.ID {
			return o
		}
	}
	return yes
}

// Option looks up an option of this event.
func (e *Event) Option(id string) (Option, bool) {
	for _, o := range e.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Validate checks reference formats and option uniqueness.
func (e *Event) Validate() error {
	if !refRegex.MatchString(e.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, e.ID)
	}
	if len(e.Options) == 0 {
		return fmt.Errorf("event %s: no options", e.ID)
	}
	seen := make(map[string]bool, len(e.Options))
	for _, o := range e.Options {
		if !refRegex.MatchString(o.ID) {
			return fmt.Errorf("%w: %q", ErrInvalidRef, o.ID)
		}
		if seen[o.ID] {
			return fmt.Errorf("%w: option %s", ErrDuplicate, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// Catalog is the shared read-only context of events. Resolution status and
// winner are the only mutable fields.
type Catalog struct {
	mu       sync.RWMutex
	events   map[string]*Event
	byOption map[string]string // option id -> event id
}

// NewCatalog validates and indexes the given events.
func NewCatalog(events []Event) (*Catalog, error) {
	c := &Catalog{
		events:   make(map[string]*Event, len(events)),
		byOption: make(map[string]string),
	}
	for i := range events {
		e := events[i]
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.events[e.ID]; ok {
			return nil, fmt.Errorf("%w: event %s", ErrDuplicate, e.ID)
		}
		if e.Status == "" {
			e.Status = StatusOpen
		}
		for _, o := range e.Options {
			if _, ok := c.byOption[o.ID]; ok {
				return nil, fmt.Errorf("%w: option %s", ErrDuplicate, o.ID)
			}
			c.byOption[o.ID] = e.ID
		}
		c.events[e.ID] = &e
	}
	return c, nil
}

// Event returns a copy of the event.
func (c *Catalog) Event(id string) (Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.events[id]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	return *e, nil
}

// Events lists every event.
func (c *Catalog) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Event, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, *e)
	}
	return out
}

// EventOf returns the event owning an option.
func (c *Catalog) EventOf(optionID string) (Event, error) {
	c.mu.RLock()
	eventID, ok := c.byOption[optionID]
	c.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: option %s", ErrUnknownEvent, optionID)
	}
	return c.Event(eventID)
}

// Resolve checks the reference pair used by an order.
func (c *Catalog) Resolve(eventRef, optionRef string) (Event, Option, error) {
	e, err := c.Event(eventRef)
	if err != nil {
		return Event{}, Option{}, err
	}
	o, ok := e.Option(optionRef)
	if !ok {
		return Event{}, Option{}, fmt.Errorf("%w: %s/%s", ErrUnknownOption, eventRef, optionRef)
	}
	return e, o, nil
}

// StaticQuote returns the configured fallback price of an option.
func (c *Catalog) StaticQuote(optionID string) (decimal.Decimal, bool) {
	e, err := c.EventOf(optionID)
	if err != nil {
		return decimal.Zero, false
	}
	o, ok := e.Option(optionID)
	if !ok || !o.StaticPrice.IsPositive() {
		return decimal.Zero, false
	}
	return o.StaticPrice, true
}

// MarkResolved flags an event as resolved in favour of winner. Returns
// false if it already was.
func (c *Catalog) MarkResolved(id, winner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.events[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	if _, ok := e.Option(winner); !ok {
		return false, fmt.Errorf("%w: %s/%s", ErrUnknownOption, id, winner)
	}
	if e.Status == StatusResolved {
		return false, nil
	}
	e.Status = StatusResolved
	e.Winner = winner
	return true, nil
}

// Winner returns the winning option of a resolved event.
func (c *Catalog) Winner(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.events[id]
	if !ok || e.Status != StatusResolved || e.Winner == "" {
		return "", false
	}
	return e.Winner, true
}

var one = decimal.NewFromInt(1)

// Normalize rewrites a fill on the "No" option of a binary event as the
// equivalent inverted-direction fill on "Yes" (No-Long ⇒ Yes-Short,
// No-Short ⇒ Yes-Long) priced at 1 − price, so that every position of a
// binary event shares one ledger entry. Non-binary events pass through.
func Normalize(e Event, fill model.Fill) model.Fill {
	if !e.IsBinary() {
		return fill
	}
	no := e.NoOption()
	if fill.OptionRef != no.ID {
		return fill
	}
	fill.OptionRef = e.YesOption().ID
	fill.Side = fill.Side.Opposite()
	fill.Price = one.Sub(fill.Price)
	return fill
}
