package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inkround"

var (
	// ─── Admin API ───────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks enqueued manually through the admin API.",
	}, []string{"type"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks",
		Help:      "Tasks in the queue by status, sampled on each stats read.",
	}, []string{"status"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by task_type and resulting status.",
	}, []string{"task_type", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"task_type"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"task_type"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Failed attempts that put the task back to PENDING.",
	}, []string{"task_type"})

	WorkerLockContendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "lock_contended_total",
		Help:      "Iterations skipped because another worker held the lock.",
	})

	WorkerStaleRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "stale_recovered_total",
		Help:      "PROCESSING tasks force-failed after their heartbeat went stale.",
	}, []string{"status"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "transitions_total",
		Help:      "Phase transitions applied.",
	}, []string{"from", "to"})

	SchedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Season ticks by outcome.",
	}, []string{"outcome"})

	// ─── Pipeline ────────────────────────────────────────────────────────────────

	PipelineItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "items_total",
		Help:      "Pipeline items by stage and result.",
	}, []string{"pipeline", "stage", "result"})

	PipelineStageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Per-item stage execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"pipeline", "stage"})

	// ─── Parser / LLM ────────────────────────────────────────────────────────────

	ParserRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "recoveries_total",
		Help:      "Documents accepted, labelled by the cascade step that produced them.",
	}, []string{"schema", "transform"})

	ParserFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "failures_total",
		Help:      "Documents no cascade step could recover.",
	}, []string{"schema"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "Generation requests by provider and status.",
	}, []string{"provider", "status"})

	LLMRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Generation latency in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"provider"})

	// ─── Catch-up / Reader / Events ──────────────────────────────────────────────

	CatchupResidueBooks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "catchup",
		Name:      "residue_books",
		Help:      "Books still missing chapters after the last catch-up pass.",
	}, []string{"season_id"})

	ReaderCommentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "comments_total",
		Help:      "Reader assignments by result (persisted, discarded, rate_limited, unrewarded, skipped).",
	}, []string{"result"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Notification events by topic and delivery result.",
	}, []string{"topic", "result"})
)
