package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/scheduler"
)

// Ticker advances every active season once.
type Ticker interface {
	TickAll(ctx context.Context) ([]scheduler.Outcome, error)
}

// Runner processes at most one queued task.
type Runner interface {
	RunOnce(ctx context.Context) (bool, error)
}

var validate = validator.New()

// REST serves the admin API.
type REST struct {
	queue   postgres.TaskQueue
	seasons postgres.SeasonRepository
	ticker  Ticker
	runner  Runner
	types   []string
	logger  *slog.Logger
}

// NewREST creates the admin handlers. types lists the task types the worker
// can handle; manual submissions of any other type are rejected.
func NewREST(queue postgres.TaskQueue, seasons postgres.SeasonRepository, ticker Ticker, runner Runner, types []string, logger *slog.Logger) *REST {
	return &REST{queue: queue, seasons: seasons, ticker: ticker, runner: runner, types: types, logger: logger}
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatusResponse is the GET /tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID       string     `json:"task_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Step         string     `json:"step,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
}

// TriggerResponse reports one manual scheduler tick plus one worker cycle.
type TriggerResponse struct {
	Seasons   []scheduler.Outcome `json:"seasons"`
	Processed bool                `json:"processed"`
	Errors    []string            `json:"errors,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admin").Start(r.Context(), "admin.submit_task")
	defer span.End()

	var spec domain.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !slices.Contains(h.types, spec.Type) {
		writeError(w, http.StatusBadRequest, (&domain.InvalidTaskTypeError{TaskType: spec.Type}).Error())
		return
	}
	if spec.Priority == 0 {
		spec.Priority = domain.PriorityManual
	}
	span.SetAttributes(attribute.String("task.type", spec.Type))

	task, err := h.queue.Enqueue(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		h.logger.Error("failed to enqueue task", slog.String("task_type", spec.Type), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	telemetry.APITasksSubmitted.WithLabelValues(spec.Type).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("task_type", spec.Type),
	)
	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := h.queue.Get(r.Context(), id)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get task", slog.String("task_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	resp := TaskStatusResponse{
		TaskID:       task.ID,
		Type:         task.Type,
		Status:       string(task.Status),
		Priority:     task.Priority,
		Attempts:     task.Attempts,
		MaxAttempts:  task.MaxAttempts,
		Step:         task.Step,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
	}
	if task.CompletedAt != nil {
		resp.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	telemetry.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
	telemetry.QueueDepth.WithLabelValues("processing").Set(float64(st.Processing))
	telemetry.QueueDepth.WithLabelValues("completed").Set(float64(st.Completed))
	telemetry.QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
	writeJSON(w, http.StatusOK, st)
}

// GetSeason handles GET /api/v1/seasons/{id}.
func (h *REST) GetSeason(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	season, err := h.seasons.GetSeason(r.Context(), id)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "season not found")
			return
		}
		h.logger.Error("get season", slog.String("season_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve season")
		return
	}
	writeJSON(w, http.StatusOK, season)
}

// Trigger handles POST /api/v1/trigger: one scheduler pass over every
// active season, then one worker cycle.
func (h *REST) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admin").Start(r.Context(), "admin.trigger")
	defer span.End()

	var resp TriggerResponse
	outcomes, err := h.ticker.TickAll(ctx)
	resp.Seasons = outcomes
	if err != nil {
		span.RecordError(err)
		resp.Errors = append(resp.Errors, err.Error())
	}
	processed, err := h.runner.RunOnce(ctx)
	resp.Processed = processed
	if err != nil {
		span.RecordError(err)
		resp.Errors = append(resp.Errors, err.Error())
	}

	h.logger.Info("manual trigger",
		slog.Int("seasons", len(outcomes)),
		slog.Bool("processed", processed),
		slog.Int("errors", len(resp.Errors)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks the queue is reachable.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.queue.Stats(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
