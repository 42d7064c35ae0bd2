// Package generation turns books into outlines and chapters through the
// bounded pipeline.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/archive"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
)

// OutlineResult is what an author returns when asked for a plan.
type OutlineResult struct {
	Title    string               `json:"title"`
	Synopsis string               `json:"synopsis"`
	Chapters []domain.ChapterPlan `json:"chapters"`
}

// ChapterDraft is a generated chapter before persistence.
type ChapterDraft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Summary string `json:"summary"`
}

// CommentDraft is a generated reader reaction before persistence.
type CommentDraft struct {
	Rating  int    `json:"rating"`
	Content string `json:"content"`
}

// Deps are the collaborators shared by the outliner, the writer and the
// reader dispatcher.
type Deps struct {
	Seasons  postgres.SeasonRepository
	Books    postgres.BookRepository
	Agents   postgres.AgentRepository
	LLM      llm.Client
	Events   notify.Sink
	Archive  archive.Archiver
	Retry    parser.RetryConfig
	Pipeline pipeline.Options
	Logger   *slog.Logger
}

// WithDefaults fills unset collaborators.
func (d Deps) WithDefaults() Deps {
	if d.Events == nil {
		d.Events = notify.Nop{}
	}
	if d.Archive == nil {
		d.Archive = archive.Nop{}
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = parser.DefaultRetry
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Pipeline.Logger == nil {
		d.Pipeline.Logger = d.Logger
	}
	return d
}

// Ask sends req and decodes the answer into T, re-asking when the output
// cannot be recovered. Unrecoverable raw output is archived.
func Ask[T any](ctx context.Context, d Deps, s *parser.Schema, subject string, req llm.Request) (T, error) {
	cfg := d.Retry
	cfg.OnFailure = func(attempt int, raw string, err error) {
		log := d.Logger.With(
			slog.String("schema", s.Name),
			slog.String("subject", subject),
			slog.Int("attempt", attempt),
		)
		if raw == "" || !errors.Is(err, parser.ErrUnrecoverable) {
			log.Warn("generation attempt failed", slog.String("error", err.Error()))
			return
		}
		name, aerr := d.Archive.Archive(ctx, archive.Record{
			Schema: s.Name, Subject: subject, Attempt: attempt, Raw: raw, Err: err,
		})
		if aerr != nil {
			log.Warn("archive raw output", slog.String("error", aerr.Error()))
		}
		log.Warn("unrecoverable output", slog.String("object", name), slog.String("error", err.Error()))
	}
	return parser.Generate[T](ctx, cfg, func(ctx context.Context) (string, error) {
		return d.LLM.Generate(ctx, req)
	}, s)
}

// emit sends an event; failures are logged only.
func emit(ctx context.Context, d Deps, topic string, payload any) {
	if err := d.Events.Emit(ctx, topic, payload); err != nil {
		d.Logger.Warn("emit event", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// feedbackFor loads the comments left on chapter n of a book.
func feedbackFor(ctx context.Context, books postgres.BookRepository, bookID string, n int) (*domain.Chapter, []domain.FeedbackEntry, error) {
	if n < 1 {
		return nil, nil, nil
	}
	ch, err := pipeline.TransientValue(ctx, func() (*domain.Chapter, error) {
		return books.GetChapter(ctx, bookID, n)
	})
	if isNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	comments, err := pipeline.TransientValue(ctx, func() ([]*domain.Comment, error) {
		return books.ListComments(ctx, ch.ID)
	})
	if err != nil {
		return nil, nil, err
	}
	fb := make([]domain.FeedbackEntry, 0, len(comments))
	for _, c := range comments {
		fb = append(fb, domain.FeedbackEntry{
			ChapterNumber: n,
			AgentID:       c.AgentID,
			Rating:        c.Rating,
			Content:       c.Content,
		})
	}
	return ch, fb, nil
}

// WordCount counts whitespace-separated words. Each Han, Hiragana,
// Katakana or Hangul character counts as a word of its own.
func WordCount(s string) int {
	n := 0
	for _, tok := range strings.Fields(s) {
		other := false
		for _, r := range tok {
			switch {
			case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
				n++
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				other = true
			}
		}
		if other {
			n++
		}
	}
	return n
}

func bookKey(b *domain.Book) string { return b.ID }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
