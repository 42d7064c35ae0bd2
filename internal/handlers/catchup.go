package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/catchup"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

// Reconciler repairs out-of-sequence books.
type Reconciler interface {
	CatchUp(ctx context.Context, seasonID string, targetRound int) (catchup.Report, error)
}

// CatchUpHandler handles season.catchup.
type CatchUpHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewCatchUpHandler creates a CatchUpHandler.
func NewCatchUpHandler(r Reconciler, logger *slog.Logger) *CatchUpHandler {
	return &CatchUpHandler{reconciler: r, logger: logger}
}

func (h *CatchUpHandler) TaskType() string { return domain.TaskSeasonCatchUp }

func (h *CatchUpHandler) Handle(ctx context.Context, task *domain.Task) error {
	ctx, span := startSpan(ctx, task)
	defer span.End()

	p, err := task.DecodePayload()
	if err != nil {
		return fail(span, err, "invalid payload")
	}
	if p.SeasonID == "" || p.Round < 1 {
		return fail(span, fmt.Errorf("catch-up payload needs seasonId and round, got %+v", p), "invalid payload")
	}

	ReportStep(ctx, "reconcile")
	rep, err := h.reconciler.CatchUp(ctx, p.SeasonID, p.Round)
	if err != nil {
		return fail(span, err, "catch-up failed")
	}
	ReportStep(ctx, fmt.Sprintf("residue %d", len(rep.Residue)))
	h.logger.Info("catch-up handled",
		slog.String("task_id", task.ID),
		slog.String("season_id", p.SeasonID),
		slog.Int("passes", rep.Passes),
		slog.Int("written", rep.Written),
		slog.Int("residue", len(rep.Residue)),
	)
	return nil
}
