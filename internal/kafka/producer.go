package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// EventHeader carries the notification event name on every message.
const EventHeader = "inkround-event"

// Producer publishes engine notifications to Kafka.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
	prefix string
}

// NewProducer creates a producer. Every topic is prefixed with topicPrefix
// followed by a dot, so "chapter.published" with prefix "inkround" is
// written to "inkround.chapter.published".
func NewProducer(brokers []string, topicPrefix string) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{}, // same book → same partition
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w, prefix: topicPrefix}
}

// TopicName applies the producer's prefix rule.
func TopicName(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	headers := make(HeaderCarrier, 0, 2)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	headers = withHeader(headers, EventHeader, topic)

	full := TopicName(p.prefix, topic)
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   full,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", full, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
