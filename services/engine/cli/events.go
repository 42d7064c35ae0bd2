package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/kafka"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
)

var eventsCmd = &cobra.Command{
	Use:   "events [TOPIC...]",
	Short: "Tail engine notifications from Kafka",
	Long: `Print engine notifications as they are published to Kafka.

With no arguments every topic is followed. Topics are given without the
configured prefix, e.g. "chapter.published".`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Bool("from-start", false, "read each topic from the oldest retained message")
	eventsCmd.Flags().String("group", "", "consumer group (default: a fresh group per run)")
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	fromStart, _ := cmd.Flags().GetBool("from-start")
	group, _ := cmd.Flags().GetString("group")
	if group == "" {
		group = "inkround-events-" + uuid.New().String()[:8]
	}

	events := args
	if len(events) == 0 {
		events = notify.Topics
	}
	topics := make([]string, 0, len(events))
	for _, ev := range events {
		topics = append(topics, kafka.TopicName(cfg.KafkaPrefix, ev))
	}

	consumer := kafka.NewConsumer(cfg.Brokers(), topics, group, fromStart, logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	fmt.Fprintf(os.Stderr, "following %v as %s\n", topics, group)
	return consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		fmt.Printf("%s %-24s key=%s %s\n",
			msg.Time.Format("15:04:05.000"), msg.Event, msg.Key, msg.Value)
		return nil
	})
}
