package notify

import (
	"context"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/kafka"
)

// Kafka publishes events through a kafka.Producer, keyed by book or season.
type Kafka struct {
	Producer kafka.Producer
}

func (k Kafka) Emit(ctx context.Context, topic string, payload any) error {
	b, err := encode(topic, payload)
	if err != nil {
		return err
	}
	return k.Producer.Publish(ctx, topic, keyOf(payload), b)
}

var _ Sink = Kafka{}
