//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/kafka"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
)

var testKafkaBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers
	return m.Run()
}

// uniquePrefix keeps topics of different tests apart on the shared broker.
func uniquePrefix(base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

// createTopic creates the topic up front; the first publish can otherwise
// race auto-creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func TestKafka_NotificationRoundTrip(t *testing.T) {
	prefix := uniquePrefix("it")
	topic := kafka.TopicName(prefix, notify.TopicChapterPublished)
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers, prefix)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	sink := notify.Kafka{Producer: producer}
	require.NoError(t, sink.Emit(ctx, notify.TopicChapterPublished, notify.ChapterPublished{
		SeasonID: "s1", BookID: "b1", Number: 3,
	}))

	consumer := kafka.NewConsumer(testKafkaBrokers, []string{topic}, "group-"+prefix, true, slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	received := make(chan kafka.Message, 1)
	consumerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go func() {
		consumer.Subscribe(consumerCtx, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, topic, got.Topic)
		assert.Equal(t, notify.TopicChapterPublished, got.Event)
		assert.Equal(t, "b1", string(got.Key))
		var body map[string]any
		require.NoError(t, json.Unmarshal(got.Value, &body))
		assert.NotEmpty(t, body)
	case <-consumerCtx.Done():
		t.Fatal("timed out waiting for Kafka message")
	}
}

// A handler error leaves the offset uncommitted, so the next consumer in
// the same group sees the message again.
func TestKafka_Consumer_OffsetNotCommittedOnError(t *testing.T) {
	prefix := uniquePrefix("it")
	topic := kafka.TopicName(prefix, "season.phase.advanced")
	createTopic(t, topic)
	groupID := "group-" + prefix

	producer := kafka.NewProducer(testKafkaBrokers, prefix)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	payload := []byte(`{"seasonId":"s1","round":2}`)
	require.NoError(t, producer.Publish(ctx, "season.phase.advanced", "s1", payload))

	consumer1 := kafka.NewConsumer(testKafkaBrokers, []string{topic}, groupID, true, slog.Default())
	ctx1, cancel1 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel1()

	seen := make(chan struct{}, 1)
	go func() {
		consumer1.Subscribe(ctx1, func(_ context.Context, _ kafka.Message) error { //nolint:errcheck
			seen <- struct{}{}
			cancel1()
			return errors.New("intentional failure")
		})
	}()
	select {
	case <-seen:
	case <-ctx1.Done():
		t.Fatal("consumer1 timed out waiting for message")
	}
	time.Sleep(300 * time.Millisecond)
	consumer1.Close() //nolint:errcheck

	consumer2 := kafka.NewConsumer(testKafkaBrokers, []string{topic}, groupID, true, slog.Default())
	t.Cleanup(func() { consumer2.Close() }) //nolint:errcheck

	redelivered := make(chan []byte, 1)
	ctx2, cancel2 := context.WithTimeout(ctx, 30*time.Second)
	defer cancel2()
	go func() {
		consumer2.Subscribe(ctx2, func(_ context.Context, m kafka.Message) error { //nolint:errcheck
			redelivered <- m.Value
			cancel2()
			return nil
		})
	}()

	select {
	case got := <-redelivered:
		assert.Equal(t, payload, got)
	case <-ctx2.Done():
		t.Fatal("message was not redelivered after a failed handler")
	}
}
