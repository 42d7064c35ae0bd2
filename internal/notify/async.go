package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

type envelope struct {
	span    trace.SpanContext
	topic   string
	payload any
}

// Async decouples callers from a slow transport. Emit never blocks: when
// the buffer is full the event is dropped and counted.
type Async struct {
	next    Sink
	logger  *slog.Logger
	timeout time.Duration

	ch   chan envelope
	wg   sync.WaitGroup
	once sync.Once
}

// NewAsync starts one delivery goroutine in front of next.
func NewAsync(next Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan envelope, buffer),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Emit(ctx context.Context, topic string, payload any) error {
	env := envelope{span: trace.SpanContextFromContext(ctx), topic: topic, payload: payload}
	select {
	case a.ch <- env:
		telemetry.EventsEmitted.WithLabelValues(topic, "queued").Inc()
	default:
		telemetry.EventsEmitted.WithLabelValues(topic, "dropped").Inc()
		a.logger.Warn("event buffer full, dropping event", slog.String("topic", topic))
	}
	return nil
}

func (a *Async) loop() {
	defer a.wg.Done()
	for env := range a.ch {
		ctx, cancel := context.WithTimeout(
			trace.ContextWithRemoteSpanContext(context.Background(), env.span), a.timeout)
		if err := a.next.Emit(ctx, env.topic, env.payload); err != nil {
			telemetry.EventsEmitted.WithLabelValues(env.topic, "failed").Inc()
			a.logger.Error("event delivery failed",
				slog.String("topic", env.topic),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Close drains buffered events and stops the delivery goroutine.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	a.wg.Wait()
}

var _ Sink = (*Async)(nil)
