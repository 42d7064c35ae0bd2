// Package catchup repairs books left behind by partially failed rounds.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// Outliner fills in missing outline entries.
type Outliner interface {
	EnsureChapter(ctx context.Context, seasonID string, chapter int, bookIDs []string) (pipeline.Report, error)
}

// Writer writes one chapter number for a set of books.
type Writer interface {
	WriteChapter(ctx context.Context, seasonID string, chapter int, bookIDs []string, overwrite bool) (pipeline.Report, error)
}

// Report summarises a catch-up.
type Report struct {
	Passes int
	// Written counts chapters persisted across all passes.
	Written int
	// Residue maps book IDs to the chapter numbers still out of sequence.
	Residue map[string][]int
}

// Reconciler brings every active book up to a contiguous run of chapters.
type Reconciler struct {
	books    postgres.BookRepository
	outliner Outliner
	writer   Writer
	logger   *slog.Logger
}

// New returns a Reconciler.
func New(books postgres.BookRepository, outliner Outliner, writer Writer, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{books: books, outliner: outliner, writer: writer, logger: logger}
}

// CatchUp writes every missing or orphaned chapter up to targetRound. It
// runs at most two passes; whatever is still out of sequence afterwards is
// reported and logged, not returned as an error.
func (r *Reconciler) CatchUp(ctx context.Context, seasonID string, targetRound int) (Report, error) {
	ctx, span := otel.Tracer("catchup").Start(ctx, "catchup.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("season_id", seasonID), attribute.Int("target_round", targetRound))

	log := r.logger.With(slog.String("season_id", seasonID), slog.Int("target_round", targetRound))
	var rep Report

	gaps, err := r.gaps(ctx, seasonID, targetRound)
	if err != nil {
		return rep, err
	}
	for rep.Passes < 2 && len(gaps) > 0 {
		rep.Passes++
		written, err := r.pass(ctx, seasonID, gaps, log)
		rep.Written += written
		if err != nil {
			return rep, err
		}
		if gaps, err = r.gaps(ctx, seasonID, targetRound); err != nil {
			return rep, err
		}
	}

	rep.Residue = gaps
	telemetry.CatchupResidueBooks.WithLabelValues(seasonID).Set(float64(len(gaps)))
	span.SetAttributes(attribute.Int("residue_books", len(gaps)))
	if len(gaps) > 0 {
		log.Warn("catch-up left books out of sequence",
			slog.Int("books", len(gaps)),
			slog.Any("residue", gaps),
		)
	} else if rep.Passes > 0 {
		log.Info("catch-up complete", slog.Int("passes", rep.Passes), slog.Int("written", rep.Written))
	}
	return rep, nil
}

// gaps maps each active book that is out of sequence to the chapter numbers
// that must be (re)written.
func (r *Reconciler) gaps(ctx context.Context, seasonID string, targetRound int) (map[string][]int, error) {
	books, err := pipeline.TransientValue(ctx, func() ([]*domain.Book, error) {
		return r.books.ListBooks(ctx, seasonID, domain.BookFilter{ActiveOnly: true})
	})
	if err != nil {
		return nil, fmt.Errorf("list books for catch-up: %w", err)
	}
	out := make(map[string][]int)
	for _, b := range books {
		target := targetRound
		if b.MaxChapters > 0 && b.MaxChapters < target {
			target = b.MaxChapters
		}
		numbers, err := pipeline.TransientValue(ctx, func() ([]int, error) {
			return r.books.ChapterNumbers(ctx, b.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("chapter numbers of book %s: %w", b.ID, err)
		}
		if g := domain.Gaps(numbers, target); len(g) > 0 {
			out[b.ID] = g
		}
	}
	return out, nil
}

// pass writes the gaps wave by wave in ascending chapter order. A book that
// fails a wave sits out the rest of the pass.
func (r *Reconciler) pass(ctx context.Context, seasonID string, gaps map[string][]int, log *slog.Logger) (int, error) {
	waves := map[int][]string{}
	for bookID, numbers := range gaps {
		for _, n := range numbers {
			waves[n] = append(waves[n], bookID)
		}
	}
	chapters := make([]int, 0, len(waves))
	for n := range waves {
		chapters = append(chapters, n)
	}
	sort.Ints(chapters)

	held := map[string]bool{}
	written := 0
	for _, n := range chapters {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		var ids []string
		for _, id := range waves[n] {
			if !held[id] {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)

		wlog := log.With(slog.Int("chapter", n))
		outlined, err := r.outliner.EnsureChapter(ctx, seasonID, n, ids)
		if err != nil {
			return written, fmt.Errorf("outline chapter %d: %w", n, err)
		}
		for _, key := range outlined.FailedKeys() {
			held[key] = true
		}

		missing, orphans, err := r.split(ctx, n, ids, held)
		if err != nil {
			return written, err
		}
		for _, group := range []struct {
			ids       []string
			overwrite bool
		}{{missing, false}, {orphans, true}} {
			if len(group.ids) == 0 {
				continue
			}
			rep, err := r.writer.WriteChapter(ctx, seasonID, n, group.ids, group.overwrite)
			if err != nil {
				return written, fmt.Errorf("write chapter %d: %w", n, err)
			}
			written += rep.Persisted
			for _, key := range rep.FailedKeys() {
				held[key] = true
			}
		}

		// A book that still lacks chapter n would only grow more orphans.
		for _, id := range missing {
			if held[id] {
				continue
			}
			if _, err := r.books.GetChapter(ctx, id, n); err != nil {
				held[id] = true
			}
		}
		wlog.Info("catch-up wave done", slog.Int("books", len(ids)), slog.Int("held", len(held)))
	}
	return written, nil
}

// split separates books lacking chapter n from those whose chapter n exists
// but follows a gap.
func (r *Reconciler) split(ctx context.Context, n int, ids []string, held map[string]bool) (missing, orphans []string, err error) {
	for _, id := range ids {
		if held[id] {
			continue
		}
		numbers, err := pipeline.TransientValue(ctx, func() ([]int, error) {
			return r.books.ChapterNumbers(ctx, id)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("chapter numbers of book %s: %w", id, err)
		}
		if contains(numbers, n) {
			orphans = append(orphans, id)
		} else {
			missing = append(missing, id)
		}
	}
	return missing, orphans, nil
}

func contains(xs []int, n int) bool {
	for _, x := range xs {
		if x == n {
			return true
		}
	}
	return false
}
