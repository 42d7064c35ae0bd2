package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
)

// Outliner plans chapters for a round.
type Outliner interface {
	Run(ctx context.Context, seasonID string, round int, bookIDs []string) (pipeline.Report, error)
}

// Writer writes a round's chapters.
type Writer interface {
	Run(ctx context.Context, seasonID string, round int, bookIDs []string) (pipeline.Report, error)
}

// OutlineHandler handles outline.generate.
type OutlineHandler struct {
	outliner Outliner
	logger   *slog.Logger
}

// NewOutlineHandler creates an OutlineHandler.
func NewOutlineHandler(o Outliner, logger *slog.Logger) *OutlineHandler {
	return &OutlineHandler{outliner: o, logger: logger}
}

func (h *OutlineHandler) TaskType() string { return domain.TaskOutlineGenerate }

func (h *OutlineHandler) Handle(ctx context.Context, task *domain.Task) error {
	return runRound(ctx, task, h.logger, h.outliner.Run)
}

// ChapterHandler handles chapter.write.
type ChapterHandler struct {
	writer Writer
	logger *slog.Logger
}

// NewChapterHandler creates a ChapterHandler.
func NewChapterHandler(w Writer, logger *slog.Logger) *ChapterHandler {
	return &ChapterHandler{writer: w, logger: logger}
}

func (h *ChapterHandler) TaskType() string { return domain.TaskChapterWrite }

func (h *ChapterHandler) Handle(ctx context.Context, task *domain.Task) error {
	return runRound(ctx, task, h.logger, h.writer.Run)
}

type roundFunc func(ctx context.Context, seasonID string, round int, bookIDs []string) (pipeline.Report, error)

// runRound runs one batch. Individual book failures are left to catch-up;
// the task only fails when nothing at all got through, which usually means
// the generative service or the database is down.
func runRound(ctx context.Context, task *domain.Task, logger *slog.Logger, run roundFunc) error {
	ctx, span := startSpan(ctx, task)
	defer span.End()

	p, err := task.DecodePayload()
	if err != nil {
		return fail(span, err, "invalid payload")
	}
	if p.SeasonID == "" || p.Round < 1 {
		return fail(span, fmt.Errorf("%s payload needs seasonId and round, got %+v", task.Type, p), "invalid payload")
	}
	span.SetAttributes(attribute.String("season_id", p.SeasonID), attribute.Int("round", p.Round))

	ReportStep(ctx, "run")
	rep, err := run(ctx, p.SeasonID, p.Round, p.BookIDs)
	if err != nil {
		return fail(span, err, "run failed")
	}
	ReportStep(ctx, fmt.Sprintf("persisted %d/%d", rep.Persisted, rep.Total))

	log := logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.String("season_id", p.SeasonID),
		slog.Int("round", p.Round),
	)
	if rep.Failed() {
		log.Warn("batch finished with failures",
			slog.Int("total", rep.Total),
			slog.Int("persisted", rep.Persisted),
			slog.Int("skipped", rep.Skipped),
			slog.String("failed", strings.Join(rep.FailedKeys(), ",")),
		)
		if rep.Persisted == 0 && rep.Skipped == 0 {
			return fail(span, fmt.Errorf("all %d items failed: %w", len(rep.Failures), rep.Failures[0].Err), "batch failed")
		}
		return nil
	}
	log.Info("batch finished",
		slog.Int("total", rep.Total),
		slog.Int("persisted", rep.Persisted),
		slog.Int("skipped", rep.Skipped),
	)
	return nil
}
