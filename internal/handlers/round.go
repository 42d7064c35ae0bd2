package handlers

import (
	"context"
	"fmt"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

// TickFunc evaluates one season's phase clock.
type TickFunc func(ctx context.Context, seasonID string) error

// RoundAdvanceHandler handles round.advance, a manual nudge of the phase
// clock for one season.
type RoundAdvanceHandler struct {
	tick TickFunc
}

// NewRoundAdvanceHandler creates a RoundAdvanceHandler.
func NewRoundAdvanceHandler(tick TickFunc) *RoundAdvanceHandler {
	return &RoundAdvanceHandler{tick: tick}
}

func (h *RoundAdvanceHandler) TaskType() string { return domain.TaskRoundAdvance }

func (h *RoundAdvanceHandler) Handle(ctx context.Context, task *domain.Task) error {
	ctx, span := startSpan(ctx, task)
	defer span.End()

	p, err := task.DecodePayload()
	if err != nil {
		return fail(span, err, "invalid payload")
	}
	if p.SeasonID == "" {
		return fail(span, fmt.Errorf("round advance payload needs seasonId"), "invalid payload")
	}
	if err := h.tick(ctx, p.SeasonID); err != nil {
		return fail(span, err, "tick failed")
	}
	return nil
}
