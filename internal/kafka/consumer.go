package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is one consumed notification.
type Message struct {
	Topic  string
	Event  string
	Key    []byte
	Value  []byte
	Offset int64
	Time   time.Time
}

// HandlerFunc processes a single message. A nil return commits the offset.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads notifications from one or more topics.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer joins groupID and reads every topic in topics. With
// fromStart false a new group begins at the newest offset, which is what a
// tail-style reader wants.
func NewConsumer(brokers, topics []string, groupID string, fromStart bool, logger *slog.Logger) Consumer {
	start := kafka.LastOffset
	if fromStart {
		start = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupTopics:    topics,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    start,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe reads until ctx is cancelled. Offsets are committed only after
// handler succeeds.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		msg := Message{
			Topic:  m.Topic,
			Event:  carrier.Get(EventHeader),
			Key:    m.Key,
			Value:  m.Value,
			Offset: m.Offset,
			Time:   m.Time,
		}
		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("event handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
