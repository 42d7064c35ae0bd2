package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/reader"
)

// Readers runs commentator agents.
type Readers interface {
	Dispatch(ctx context.Context, seasonID string, number int) (reader.Report, error)
	ReadOne(ctx context.Context, agentID, chapterID string) (reader.Report, error)
}

// ReaderDispatchHandler handles reader.dispatch.
type ReaderDispatchHandler struct {
	readers Readers
	logger  *slog.Logger
}

// NewReaderDispatchHandler creates a ReaderDispatchHandler.
func NewReaderDispatchHandler(r Readers, logger *slog.Logger) *ReaderDispatchHandler {
	return &ReaderDispatchHandler{readers: r, logger: logger}
}

func (h *ReaderDispatchHandler) TaskType() string { return domain.TaskReaderDispatch }

func (h *ReaderDispatchHandler) Handle(ctx context.Context, task *domain.Task) error {
	ctx, span := startSpan(ctx, task)
	defer span.End()

	p, err := task.DecodePayload()
	if err != nil {
		return fail(span, err, "invalid payload")
	}
	if p.SeasonID == "" {
		return fail(span, fmt.Errorf("reader dispatch payload needs seasonId, got %+v", p), "invalid payload")
	}
	if p.Round < 1 {
		h.logger.Info("no chapter published yet, nothing to read", slog.String("season_id", p.SeasonID))
		return nil
	}

	ReportStep(ctx, "dispatch")
	rep, err := h.readers.Dispatch(ctx, p.SeasonID, p.Round)
	if err != nil {
		return fail(span, err, "dispatch failed")
	}
	ReportStep(ctx, fmt.Sprintf("assigned %d skipped %d", rep.Assigned, rep.Skipped))
	return nil
}

// ReaderCommentHandler handles reader.comment.
type ReaderCommentHandler struct {
	readers Readers
}

// NewReaderCommentHandler creates a ReaderCommentHandler.
func NewReaderCommentHandler(r Readers) *ReaderCommentHandler {
	return &ReaderCommentHandler{readers: r}
}

func (h *ReaderCommentHandler) TaskType() string { return domain.TaskReaderComment }

func (h *ReaderCommentHandler) Handle(ctx context.Context, task *domain.Task) error {
	ctx, span := startSpan(ctx, task)
	defer span.End()

	p, err := task.DecodePayload()
	if err != nil {
		return fail(span, err, "invalid payload")
	}
	if p.AgentID == "" || p.ChapterID == "" {
		return fail(span, fmt.Errorf("reader comment payload needs agentId and chapterId, got %+v", p), "invalid payload")
	}
	rep, err := h.readers.ReadOne(ctx, p.AgentID, p.ChapterID)
	if err != nil {
		return fail(span, err, "read failed")
	}
	if rep.Pipeline.Failed() {
		return fail(span, rep.Pipeline.Failures[0].Err, "comment failed")
	}
	return nil
}
