// Package notify publishes engine events (chapter published, outline
// updated, heat updated) to whatever transport the deployment configures.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Event topics.
const (
	TopicChapterPublished = "chapter.published"
	TopicOutlineUpdated   = "book.outline.updated"
	TopicHeatUpdated      = "book.heat.updated"
	TopicSeasonAdvanced   = "season.phase.advanced"
)

// Topics lists every event topic the engine emits.
var Topics = []string{TopicChapterPublished, TopicOutlineUpdated, TopicHeatUpdated, TopicSeasonAdvanced}

// Sink receives engine events. Emit must not be relied on for correctness:
// persisted state is the source of truth and events are best effort.
type Sink interface {
	Emit(ctx context.Context, topic string, payload any) error
}

// ChapterPublished is the payload of TopicChapterPublished.
type ChapterPublished struct {
	SeasonID  string `json:"seasonId"`
	BookID    string `json:"bookId"`
	ChapterID string `json:"chapterId"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	WordCount int    `json:"wordCount"`
	Created   bool   `json:"created"`
}

// OutlineUpdated is the payload of TopicOutlineUpdated.
type OutlineUpdated struct {
	SeasonID string `json:"seasonId"`
	BookID   string `json:"bookId"`
	Version  int    `json:"version"`
	Chapters []int  `json:"chapters"`
	Reason   string `json:"reason"`
}

// HeatUpdated is the payload of TopicHeatUpdated.
type HeatUpdated struct {
	SeasonID string  `json:"seasonId"`
	BookID   string  `json:"bookId"`
	Heat     float64 `json:"heat"`
}

// SeasonAdvanced is the payload of TopicSeasonAdvanced.
type SeasonAdvanced struct {
	SeasonID string `json:"seasonId"`
	Round    int    `json:"round"`
	Phase    string `json:"phase"`
	Finished bool   `json:"finished"`
}

// keyOf picks the partition/subject key for a payload.
func keyOf(payload any) string {
	switch p := payload.(type) {
	case ChapterPublished:
		return p.BookID
	case OutlineUpdated:
		return p.BookID
	case HeatUpdated:
		return p.BookID
	case SeasonAdvanced:
		return p.SeasonID
	}
	return ""
}

func encode(topic string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return b, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, any) error { return nil }

// Log writes every event to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, topic string, payload any) error {
	b, err := encode(topic, payload)
	if err != nil {
		return err
	}
	l.Logger.InfoContext(ctx, "event",
		slog.String("topic", topic),
		slog.String("key", keyOf(payload)),
		slog.String("payload", string(b)),
	)
	return nil
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = Nop{}
	_ Sink = Log{}
	_ Sink = Multi(nil)
)
