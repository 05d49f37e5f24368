// Package events publishes domain events (orders, fills, position changes,
// settlements, price ticks) to the live WebSocket hub, Kafka and NATS.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/position-engine/internal/metrics"
)

// Kind names the type of a domain event.
type Kind string

const (
	KindOrder      Kind = "order"
	KindFill       Kind = "fill"
	KindPosition   Kind = "position"
	KindSettlement Kind = "settlement"
	KindPrice      Kind = "price"
	KindResolution Kind = "resolution"
)

// Message is one published domain event. Payload is any JSON-encodable
// value; session-scoped events carry the session they belong to.
type Message struct {
	Kind      Kind      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}

// New stamps a message with the current time.
func New(kind Kind, sessionID, userID string, payload any) Message {
	return Message{
		Kind:      kind,
		SessionID: sessionID,
		UserID:    userID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

// Publisher delivers domain events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }

type sink struct {
	name string
	pub  Publisher
}

// Multi fans a message out to every registered sink. A failing sink is
// counted and logged but never stops delivery to the others.
type Multi struct {
	mu    sync.RWMutex
	sinks []sink
}

// NewMulti creates an empty fan-out publisher.
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers a named sink.
func (m *Multi) Add(name string, p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink{name: name, pub: p})
}

// Publish delivers msg to every sink and joins their errors.
func (m *Multi) Publish(ctx context.Context, msg Message) error {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.pub.Publish(ctx, msg); err != nil {
			metrics.PublishFailures.WithLabelValues(s.name).Inc()
			slog.Warn("publish failed", "sink", s.name, "type", msg.Kind, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
