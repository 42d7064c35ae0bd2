package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/handlers"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// Checkpoint steps written by the worker itself. Handler steps are
// prefixed with "handler:".
const (
	StepClaimed    = "claimed"
	StepDispatched = "dispatched"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Checkpointer records the last step a task reached.
type Checkpointer interface {
	Checkpoint(ctx context.Context, taskID, step string) error
}

// Checkpointers fans a checkpoint out to several stores.
type Checkpointers []Checkpointer

func (cs Checkpointers) Checkpoint(ctx context.Context, taskID, step string) error {
	var errs []error
	for _, c := range cs {
		if err := c.Checkpoint(ctx, taskID, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Worker claims one task at a time from the durable queue. A named mutex
// keeps at most one worker per deployment processing.
type Worker struct {
	queue        postgres.TaskQueue
	mutex        lock.Mutex
	registry     *handlers.Registry
	checkpointer Checkpointer

	workerID     string
	lease        time.Duration
	heartbeat    time.Duration
	staleAfter   time.Duration
	breakStale   bool
	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option        { return func(w *Worker) { w.logger = l } }
func WithWorkerID(id string) Option           { return func(w *Worker) { w.workerID = id } }
func WithTimeout(d time.Duration) Option      { return func(w *Worker) { w.timeout = d } }
func WithLease(d time.Duration) Option        { return func(w *Worker) { w.lease = d } }
func WithHeartbeat(d time.Duration) Option    { return func(w *Worker) { w.heartbeat = d } }
func WithStaleAfter(d time.Duration) Option   { return func(w *Worker) { w.staleAfter = d } }
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }
func WithBreakStaleHolder(on bool) Option     { return func(w *Worker) { w.breakStale = on } }
func WithCheckpointer(c Checkpointer) Option  { return func(w *Worker) { w.checkpointer = c } }
func WithClock(now func() time.Time) Option   { return func(w *Worker) { w.now = now } }

// NewWorker constructs a Worker with the given dependencies and options.
func NewWorker(queue postgres.TaskQueue, mutex lock.Mutex, registry *handlers.Registry, opts ...Option) *Worker {
	w := &Worker{
		queue:        queue,
		mutex:        mutex,
		registry:     registry,
		checkpointer: queue,
		workerID:     "worker",
		lease:        5 * time.Minute,
		timeout:      30 * time.Minute,
		pollInterval: 5 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.heartbeat <= 0 {
		w.heartbeat = w.lease / 3
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 2 * w.lease
	}
	return w
}

// Run polls until ctx is cancelled. A successful iteration polls again
// immediately so a backlog drains without waiting.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID),
		slog.String("lock", w.mutex.Name()),
		slog.Duration("poll_interval", w.pollInterval),
	)
	for {
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", slog.String("error", err.Error()))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", slog.String("worker_id", w.workerID))
			return nil
		case <-time.After(w.pollInterval):
		}
	}
}

// Wait blocks until the in-flight task, if any, has finished.
func (w *Worker) Wait() { w.wg.Wait() }

// RunOnce acquires the mutex, claims one task and runs it. It reports
// whether a task was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	held, err := w.mutex.TryAcquire(ctx)
	if errors.Is(err, lock.ErrNotAcquired) {
		telemetry.WorkerLockContendedTotal.Inc()
		w.logger.Debug("worker lock held elsewhere", slog.String("lock", w.mutex.Name()))
		if err := w.recoverStale(ctx); err != nil {
			return false, fmt.Errorf("recover stale tasks: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire worker lock: %w", err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("release worker lock", slog.String("error", err.Error()))
		}
	}()

	task, err := w.queue.ClaimNext(ctx, w.lease)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	w.wg.Add(1)
	defer w.wg.Done()
	w.process(ctx, task, held)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *domain.Task, held lock.Lease) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
		attribute.Int("task.attempt", task.Attempts),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", task.Type),
		slog.Int("attempt", task.Attempts),
	)
	// Bookkeeping outlives a shutdown signal so the task row stays accurate.
	bg := context.WithoutCancel(ctx)
	w.checkpoint(bg, log, task.ID, StepClaimed)

	telemetry.WorkerTasksInFlight.WithLabelValues(task.Type).Inc()
	defer telemetry.WorkerTasksInFlight.WithLabelValues(task.Type).Dec()
	start := w.now()

	h, err := w.registry.Get(task.Type)
	if err == nil {
		w.checkpoint(bg, log, task.ID, StepDispatched)
		err = w.execute(ctx, span, task, h, held, log)
	}
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Type).Observe(w.now().Sub(start).Seconds())

	if err == nil {
		if cerr := w.queue.Complete(bg, task.ID); cerr != nil {
			log.Error("failed to complete task", slog.String("error", cerr.Error()))
			return
		}
		w.checkpoint(bg, log, task.ID, StepCompleted)
		telemetry.WorkerTasksProcessed.WithLabelValues(task.Type, "completed").Inc()
		log.Info("task completed", slog.Duration("duration", w.now().Sub(start)))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "task failed")
	status, ferr := w.queue.Fail(bg, task.ID, err.Error())
	if ferr != nil {
		log.Error("failed to record task failure", slog.String("error", ferr.Error()))
		return
	}
	w.checkpoint(bg, log, task.ID, StepFailed)
	if status == domain.StatusPending {
		telemetry.WorkerRetriesTotal.WithLabelValues(task.Type).Inc()
		telemetry.WorkerTasksProcessed.WithLabelValues(task.Type, "retry").Inc()
		log.Warn("task failed, will retry", slog.String("error", err.Error()))
		return
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(task.Type, "failed").Inc()
	log.Error("task failed permanently", slog.String("error", err.Error()))
}

// execute runs the handler under a timeout while a heartbeat keeps both the
// task lease and the mutex lease alive. Losing the mutex cancels the handler.
func (w *Worker) execute(ctx context.Context, span trace.Span, task *domain.Task, h handlers.Handler, held lock.Lease, log *slog.Logger) (err error) {
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(ctx, span), w.timeout)
	defer cancel()

	bg := context.WithoutCancel(ctx)
	execCtx = handlers.WithStepReporter(execCtx, func(step string) {
		w.checkpoint(bg, log, task.ID, "handler:"+step)
	})

	stop := make(chan struct{})
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		w.beat(execCtx, cancel, stop, task.ID, held, log)
	}()
	defer func() {
		close(stop)
		beats.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error("handler panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	return h.Handle(execCtx, task)
}

func (w *Worker) beat(ctx context.Context, cancel context.CancelFunc, stop <-chan struct{}, taskID string, held lock.Lease, log *slog.Logger) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, taskID); err != nil {
				log.Warn("task heartbeat failed", slog.String("error", err.Error()))
			}
			if err := held.Renew(ctx); err != nil {
				log.Error("worker lock lost, cancelling task", slog.String("error", err.Error()))
				cancel()
				return
			}
		}
	}
}

// recoverStale force-fails PROCESSING tasks whose holder stopped
// heartbeating. The holder itself is only evicted when explicitly enabled.
func (w *Worker) recoverStale(ctx context.Context) error {
	tasks, err := w.queue.Processing(ctx)
	if err != nil {
		return err
	}
	now := w.now()
	recovered := 0
	for _, t := range tasks {
		silent := now.Sub(t.LastSeen())
		if silent <= w.staleAfter {
			continue
		}
		status, err := w.queue.Fail(ctx, t.ID, fmt.Sprintf("stale: no heartbeat for %s", silent.Round(time.Second)))
		if err != nil {
			var done *domain.TaskAlreadyProcessedError
			if errors.As(err, &done) {
				continue
			}
			return err
		}
		recovered++
		telemetry.WorkerStaleRecoveredTotal.WithLabelValues(string(status)).Inc()
		w.logger.Warn("stale task recovered",
			slog.String("task_id", t.ID),
			slog.String("task_type", t.Type),
			slog.Duration("silent_for", silent),
			slog.String("status", string(status)),
		)
	}
	if recovered == 0 || !w.breakStale {
		return nil
	}
	breaker, ok := w.mutex.(lock.Breaker)
	if !ok {
		return nil
	}
	w.logger.Warn("breaking stale worker lock holder", slog.String("lock", w.mutex.Name()))
	return breaker.Break(ctx)
}

func (w *Worker) checkpoint(ctx context.Context, log *slog.Logger, taskID, step string) {
	if err := w.checkpointer.Checkpoint(ctx, taskID, step); err != nil {
		log.Warn("checkpoint failed", slog.String("step", step), slog.String("error", err.Error()))
	}
}
