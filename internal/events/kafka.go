package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka producer.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	MaxAttempts  int      `mapstructure:"max_attempts"`
	RetryBackoff int      `mapstructure:"retry_backoff_ms"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes domain events as JSON to one topic, keyed by user
// (or session, for anonymous users) so each account's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a producer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}
	slog.Info("kafka producer created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaPublisher{writer: writer, topic: cfg.Topic}, nil
}

func messageKey(msg Message) string {
	if msg.UserID != "" {
		return msg.UserID
	}
	return msg.SessionID
}

// Publish writes one message. Price ticks are not sent: they are high
// volume and already served by the feed.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if msg.Kind == KindPrice {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka: marshal %s: %w", msg.Kind, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(msg)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Kind)},
		},
		Time: msg.At,
	})
	if err != nil {
		return fmt.Errorf("kafka: write to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
