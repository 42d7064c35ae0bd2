package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/prompts"
)

// Outliner asks authors for chapter plans.
type Outliner struct {
	d Deps
}

// NewOutliner returns an Outliner.
func NewOutliner(d Deps) *Outliner {
	return &Outliner{d: d.WithDefaults()}
}

type outlineJob struct {
	season    *domain.Season
	book      *domain.Book
	author    *domain.Agent
	round     int
	wholeBook bool
	chapters  []int
	feedback  []domain.FeedbackEntry
	reason    string
}

type outlineOut struct {
	job    *outlineJob
	result OutlineResult
}

// Run plans round's work for the given books (every active book when
// bookIDs is empty). Round 1 plans the whole book; later rounds plan only
// chapter round. Books already at their chapter limit are skipped.
func (o *Outliner) Run(ctx context.Context, seasonID string, round int, bookIDs []string) (pipeline.Report, error) {
	return o.run(ctx, seasonID, bookIDs, func(s *domain.Season, b *domain.Book) (*outlineJob, error) {
		if round <= 1 {
			if len(b.ChaptersPlan) > 0 && planCovers(b, maxChapters(s, b)) {
				return nil, fmt.Errorf("book %s already planned: %w", b.ID, pipeline.ErrSkip)
			}
			return &outlineJob{round: 1, wholeBook: true, chapters: span(1, maxChapters(s, b)), reason: "initial outline"}, nil
		}
		if !b.BelowMax(round) {
			return nil, fmt.Errorf("book %s at chapter limit: %w", b.ID, pipeline.ErrSkip)
		}
		if b.ChapterCount >= round {
			return nil, fmt.Errorf("book %s already wrote chapter %d: %w", b.ID, round, pipeline.ErrSkip)
		}
		return &outlineJob{round: round, chapters: []int{round}, reason: fmt.Sprintf("round %d", round)}, nil
	})
}

// EnsureChapter plans chapter for books whose outline lacks it.
func (o *Outliner) EnsureChapter(ctx context.Context, seasonID string, chapter int, bookIDs []string) (pipeline.Report, error) {
	return o.run(ctx, seasonID, bookIDs, func(_ *domain.Season, b *domain.Book) (*outlineJob, error) {
		if !b.BelowMax(chapter) {
			return nil, fmt.Errorf("book %s at chapter limit: %w", b.ID, pipeline.ErrSkip)
		}
		if _, ok := b.PlanFor(chapter); ok {
			return nil, fmt.Errorf("book %s already plans chapter %d: %w", b.ID, chapter, pipeline.ErrSkip)
		}
		return &outlineJob{round: chapter, chapters: []int{chapter}, reason: fmt.Sprintf("catch-up chapter %d", chapter)}, nil
	})
}

func (o *Outliner) run(
	ctx context.Context,
	seasonID string,
	bookIDs []string,
	plan func(*domain.Season, *domain.Book) (*outlineJob, error),
) (pipeline.Report, error) {
	d := o.d
	season, err := pipeline.TransientValue(ctx, func() (*domain.Season, error) {
		return d.Seasons.GetSeason(ctx, seasonID)
	})
	if err != nil {
		return pipeline.Report{}, err
	}
	books, err := pipeline.TransientValue(ctx, func() ([]*domain.Book, error) {
		return d.Books.ListBooks(ctx, seasonID, domain.BookFilter{ActiveOnly: true, IDs: bookIDs})
	})
	if err != nil {
		return pipeline.Report{}, err
	}

	report := pipeline.Run(ctx, books, pipeline.Stages[*domain.Book, *outlineJob, outlineOut]{
		Name: "outline",
		Key:  bookKey,
		Prepare: func(ctx context.Context, b *domain.Book) (*outlineJob, error) {
			job, err := plan(season, b)
			if err != nil {
				return nil, err
			}
			job.season, job.book = season, b
			job.author, err = pipeline.TransientValue(ctx, func() (*domain.Agent, error) {
				return d.Agents.GetAgent(ctx, b.AuthorID)
			})
			if err != nil {
				return nil, err
			}
			if !job.wholeBook {
				_, job.feedback, err = feedbackFor(ctx, d.Books, b.ID, b.ChapterCount)
				if err != nil {
					return nil, err
				}
			}
			return job, nil
		},
		Generate: func(ctx context.Context, job *outlineJob) (outlineOut, error) {
			system, err := prompts.System(job.author)
			if err != nil {
				return outlineOut{}, err
			}
			msg, err := prompts.Outline(prompts.OutlineData{
				Season:    job.season,
				Book:      job.book,
				Author:    job.author,
				Round:     job.round,
				WholeBook: job.wholeBook,
				Chapters:  job.chapters,
				Feedback:  job.feedback,
			})
			if err != nil {
				return outlineOut{}, err
			}
			res, err := Ask[OutlineResult](ctx, d, parser.OutlineSchema, job.book.ID, llm.Request{
				Message:      msg,
				SystemPrompt: system,
				ModelHint:    job.author.ModelHint,
			})
			if err != nil {
				return outlineOut{}, err
			}
			return outlineOut{job: job, result: res}, nil
		},
		Persist: func(ctx context.Context, out outlineOut) error {
			job := out.job
			updates := keepRequested(out.result.Chapters, job.chapters)
			if len(updates) == 0 {
				return fmt.Errorf("outline for book %s has none of chapters %v", job.book.ID, job.chapters)
			}
			version, err := pipeline.TransientValue(ctx, func() (int, error) {
				return d.Books.SaveOutline(ctx, job.book.ID, updates, job.reason)
			})
			if err != nil {
				return err
			}
			numbers := make([]int, 0, len(updates))
			for _, u := range updates {
				numbers = append(numbers, u.Number)
			}
			emit(ctx, d, notify.TopicOutlineUpdated, notify.OutlineUpdated{
				SeasonID: job.season.ID,
				BookID:   job.book.ID,
				Version:  version,
				Chapters: numbers,
				Reason:   job.reason,
			})
			d.Logger.Info("outline saved",
				slog.String("season_id", job.season.ID),
				slog.String("book_id", job.book.ID),
				slog.Int("version", version),
				slog.Int("chapters", len(updates)),
			)
			return nil
		},
	}, d.Pipeline)
	return report, nil
}

// keepRequested keeps only the plan entries whose number was asked for,
// dropping duplicates and blank titles. A single entry answering a
// single-chapter request is renumbered to that chapter.
func keepRequested(plans []domain.ChapterPlan, want []int) []domain.ChapterPlan {
	if len(want) == 1 && len(plans) == 1 && plans[0].Title != "" {
		p := plans[0]
		p.Number = want[0]
		return []domain.ChapterPlan{p}
	}
	wanted := make(map[int]bool, len(want))
	for _, n := range want {
		wanted[n] = true
	}
	seen := map[int]bool{}
	var out []domain.ChapterPlan
	for _, p := range plans {
		if !wanted[p.Number] || seen[p.Number] || p.Title == "" {
			continue
		}
		seen[p.Number] = true
		out = append(out, p)
	}
	return out
}

func maxChapters(s *domain.Season, b *domain.Book) int {
	if b.MaxChapters > 0 {
		return b.MaxChapters
	}
	if s.MaxRounds > 0 {
		return s.MaxRounds
	}
	return 1
}

func planCovers(b *domain.Book, n int) bool {
	for i := 1; i <= n; i++ {
		if _, ok := b.PlanFor(i); !ok {
			return false
		}
	}
	return true
}

func span(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
