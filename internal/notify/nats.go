package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Header to the OpenTelemetry TextMapCarrier.
type natsHeaderCarrier struct {
	h nats.Header
}

func (c natsHeaderCarrier) Get(key string) string { return c.h.Get(key) }
func (c natsHeaderCarrier) Set(key, value string) { c.h.Set(key, value) }
func (c natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string // subject prefix, e.g. "inkround"
}

// NATS publishes events to a JetStream stream under "<Subject>.<topic>".
type NATS struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATS connects and ensures the stream exists.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.Subject == "" {
		cfg.Subject = "inkround"
	}
	if cfg.Stream == "" {
		cfg.Stream = "INKROUND_EVENTS"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("inkround"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("JetStream: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("JetStream AddStream: %w", err)
	}
	return &NATS{nc: nc, js: js, subject: cfg.Subject}, nil
}

func (n *NATS) Emit(ctx context.Context, topic string, payload any) error {
	b, err := encode(topic, payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.subject + "." + topic)
	msg.Data = b
	otel.GetTextMapPropagator().Inject(ctx, natsHeaderCarrier{h: msg.Header})
	if key := keyOf(payload); key != "" {
		msg.Header.Set("Inkround-Key", key)
	}
	if _, err := n.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

var _ Sink = (*NATS)(nil)
