package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsConfig configures the NATS sink.
type NatsConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NatsPublisher publishes domain events on "<prefix>.<kind>" subjects for
// lightweight in-cluster consumers. Owner ids travel as headers.
type NatsPublisher struct {
	conn   natsConn
	prefix string
}

// NewNatsPublisher connects to cfg.URL.
func NewNatsPublisher(cfg NatsConfig) (*NatsPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("nats: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "posengine.events"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("position-engine"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	slog.Info("nats publisher connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return &NatsPublisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject a message kind is published on.
func (p *NatsPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish sends one message. Price ticks are skipped like on Kafka.
func (p *NatsPublisher) Publish(_ context.Context, msg Message) error {
	if msg.Kind == KindPrice {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats: marshal %s: %w", msg.Kind, err)
	}
	m := nats.NewMsg(p.Subject(msg.Kind))
	m.Data = data
	if msg.UserID != "" {
		m.Header.Set("User-ID", msg.UserID)
	}
	if msg.SessionID != "" {
		m.Header.Set("Session-ID", msg.SessionID)
	}
	if err := p.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("nats: publish %s: %w", m.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NatsPublisher) Close() error {
	return p.conn.Drain()
}
