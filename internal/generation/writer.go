package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/prompts"
)

// Writer turns chapter plans into published chapters.
type Writer struct {
	d Deps
}

// NewWriter returns a Writer.
func NewWriter(d Deps) *Writer {
	return &Writer{d: d.WithDefaults()}
}

type chapterJob struct {
	season    *domain.Season
	book      *domain.Book
	author    *domain.Agent
	plan      domain.ChapterPlan
	previous  *domain.Chapter
	feedback  []domain.FeedbackEntry
	overwrite bool
}

type chapterOut struct {
	job   *chapterJob
	draft ChapterDraft
}

// Run writes chapter round for the given books, or every active book.
func (w *Writer) Run(ctx context.Context, seasonID string, round int, bookIDs []string) (pipeline.Report, error) {
	return w.WriteChapter(ctx, seasonID, round, bookIDs, false)
}

// WriteChapter writes one chapter number for each book. With overwrite set,
// an existing chapter with that number is replaced in place.
func (w *Writer) WriteChapter(ctx context.Context, seasonID string, chapter int, bookIDs []string, overwrite bool) (pipeline.Report, error) {
	d := w.d
	season, err := pipeline.TransientValue(ctx, func() (*domain.Season, error) {
		return d.Seasons.GetSeason(ctx, seasonID)
	})
	if err != nil {
		return pipeline.Report{}, err
	}
	books, err := pipeline.TransientValue(ctx, func() ([]*domain.Book, error) {
		// Overwrites may land on a book that the gap fill just completed.
		return d.Books.ListBooks(ctx, seasonID, domain.BookFilter{ActiveOnly: !overwrite, IDs: bookIDs})
	})
	if err != nil {
		return pipeline.Report{}, err
	}

	report := pipeline.Run(ctx, books, pipeline.Stages[*domain.Book, *chapterJob, chapterOut]{
		Name: "chapter",
		Key:  bookKey,
		Prepare: func(ctx context.Context, listed *domain.Book) (*chapterJob, error) {
			b, err := pipeline.TransientValue(ctx, func() (*domain.Book, error) {
				return d.Books.GetBook(ctx, listed.ID)
			})
			if err != nil {
				return nil, err
			}
			if !b.BelowMax(chapter) {
				return nil, fmt.Errorf("book %s at chapter limit: %w", b.ID, pipeline.ErrSkip)
			}
			if !overwrite {
				_, err := pipeline.TransientValue(ctx, func() (*domain.Chapter, error) {
					return d.Books.GetChapter(ctx, b.ID, chapter)
				})
				if err == nil {
					return nil, fmt.Errorf("book %s already has chapter %d: %w", b.ID, chapter, pipeline.ErrSkip)
				}
				if !isNotFound(err) {
					return nil, err
				}
			}
			plan, ok := b.PlanFor(chapter)
			if !ok {
				return nil, fmt.Errorf("book %s has no plan for chapter %d: %w", b.ID, chapter, pipeline.ErrSkip)
			}
			author, err := pipeline.TransientValue(ctx, func() (*domain.Agent, error) {
				return d.Agents.GetAgent(ctx, b.AuthorID)
			})
			if err != nil {
				return nil, err
			}
			prev, fb, err := feedbackFor(ctx, d.Books, b.ID, chapter-1)
			if err != nil {
				return nil, err
			}
			return &chapterJob{
				season:    season,
				book:      b,
				author:    author,
				plan:      plan,
				previous:  prev,
				feedback:  fb,
				overwrite: overwrite,
			}, nil
		},
		Generate: func(ctx context.Context, job *chapterJob) (chapterOut, error) {
			system, err := prompts.System(job.author)
			if err != nil {
				return chapterOut{}, err
			}
			msg, err := prompts.Chapter(prompts.ChapterData{
				Season:   job.season,
				Book:     job.book,
				Author:   job.author,
				Plan:     job.plan,
				Previous: job.previous,
				Feedback: job.feedback,
			})
			if err != nil {
				return chapterOut{}, err
			}
			draft, err := Ask[ChapterDraft](ctx, d, parser.ChapterSchema, job.book.ID, llm.Request{
				Message:      msg,
				SystemPrompt: system,
				ModelHint:    job.author.ModelHint,
			})
			if err != nil {
				return chapterOut{}, err
			}
			return chapterOut{job: job, draft: draft}, nil
		},
		Persist: func(ctx context.Context, out chapterOut) error {
			job := out.job
			ch := &domain.Chapter{
				BookID:    job.book.ID,
				Number:    job.plan.Number,
				Title:     firstNonEmpty(out.draft.Title, job.plan.Title),
				Content:   out.draft.Content,
				Summary:   firstNonEmpty(out.draft.Summary, job.plan.Summary),
				WordCount: WordCount(out.draft.Content),
			}
			created, err := pipeline.TransientValue(ctx, func() (bool, error) {
				return d.Books.SaveChapter(ctx, ch, domain.ChapterWrite{
					Overwrite: job.overwrite,
					HeatDelta: domain.ChapterHeat,
				})
			})
			if err != nil {
				return err
			}
			if !created && !job.overwrite {
				d.Logger.Info("chapter already published",
					slog.String("book_id", job.book.ID),
					slog.Int("chapter", ch.Number),
				)
				return nil
			}
			emit(ctx, d, notify.TopicChapterPublished, notify.ChapterPublished{
				SeasonID:  job.season.ID,
				BookID:    job.book.ID,
				ChapterID: ch.ID,
				Number:    ch.Number,
				Title:     ch.Title,
				WordCount: ch.WordCount,
				Created:   created,
			})
			d.Logger.Info("chapter published",
				slog.String("season_id", job.season.ID),
				slog.String("book_id", job.book.ID),
				slog.Int("chapter", ch.Number),
				slog.Int("words", ch.WordCount),
				slog.Bool("created", created),
			)
			return nil
		},
	}, d.Pipeline)
	return report, nil
}

func isNotFound(err error) bool {
	var nf *domain.NotFoundError
	return errors.As(err, &nf)
}
