package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/handlers"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeHandler struct {
	taskType string
	callsErr []error // errors to return per call; nil entry = success
	calls    int
	fn       func(ctx context.Context, task *domain.Task) error
}

func (h *fakeHandler) TaskType() string { return h.taskType }
func (h *fakeHandler) Handle(ctx context.Context, task *domain.Task) error {
	if h.fn != nil {
		return h.fn(ctx, task)
	}
	var err error
	if h.calls < len(h.callsErr) {
		err = h.callsErr[h.calls]
	}
	h.calls++
	return err
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	steps []string
}

func (r *recordingCheckpointer) Checkpoint(_ context.Context, _ string, step string) error {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
	return nil
}

func (r *recordingCheckpointer) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

// lossyMutex hands out leases that cannot be renewed.
type lossyMutex struct{}

func (lossyMutex) Name() string { return "lossy" }
func (lossyMutex) TryAcquire(context.Context) (lock.Lease, error) {
	return lossyLease{}, nil
}

type lossyLease struct{}

func (lossyLease) Renew(context.Context) error   { return errors.New("session gone") }
func (lossyLease) Release(context.Context) error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	_ handlers.Handler = (*fakeHandler)(nil)
	_ Checkpointer     = (*recordingCheckpointer)(nil)
	_ lock.Mutex       = lossyMutex{}
)

// ── helpers ───────────────────────────────────────────────────────────────────

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestWorker(store *memstore.Store, mu lock.Mutex, reg *handlers.Registry, opts ...Option) *Worker {
	opts = append([]Option{WithLogger(discardLogger), WithPollInterval(time.Millisecond)}, opts...)
	return NewWorker(store, mu, reg, opts...)
}

func enqueue(t *testing.T, s *memstore.Store, spec domain.TaskSpec) *domain.Task {
	t.Helper()
	task, err := s.Enqueue(context.Background(), spec)
	require.NoError(t, err)
	return task
}

func status(t *testing.T, s *memstore.Store, id string) *domain.Task {
	t.Helper()
	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestWorker_FailsTwiceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	reg := handlers.NewRegistry()
	h := &fakeHandler{taskType: domain.TaskChapterWrite, callsErr: []error{errors.New("flaky"), errors.New("flaky"), nil}}
	reg.Register(h)
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite, MaxAttempts: 3})

	w := newTestWorker(store, lock.NewLocal("worker"), reg)
	for i := 0; i < 3; i++ {
		worked, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, worked)
	}

	got := status(t, store, task.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, h.calls)

	worked, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "queue is drained")
}

func TestWorker_ExhaustedTaskFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	reg := handlers.NewRegistry()
	sentinel := errors.New("handler error")
	reg.Register(&fakeHandler{taskType: domain.TaskChapterWrite, callsErr: []error{sentinel, sentinel}})
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite, MaxAttempts: 2})

	w := newTestWorker(store, lock.NewLocal("worker"), reg)
	for i := 0; i < 2; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}

	got := status(t, store, task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "handler error", *got.ErrorMessage)
}

func TestWorker_UnknownTaskType(t *testing.T) {
	store := memstore.New()
	task := enqueue(t, store, domain.TaskSpec{Type: "sms.send", MaxAttempts: 1})

	w := newTestWorker(store, lock.NewLocal("worker"), handlers.NewRegistry())
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got := status(t, store, task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no handler registered")
}

func TestWorker_CheckpointsIncludeHandlerSteps(t *testing.T) {
	store := memstore.New()
	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{taskType: domain.TaskOutlineGenerate, fn: func(ctx context.Context, _ *domain.Task) error {
		handlers.ReportStep(ctx, "halfway")
		return nil
	}})
	enqueue(t, store, domain.TaskSpec{Type: domain.TaskOutlineGenerate})

	cp := &recordingCheckpointer{}
	w := newTestWorker(store, lock.NewLocal("worker"), reg, WithCheckpointer(Checkpointers{store, cp}))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{StepClaimed, StepDispatched, "handler:halfway", StepCompleted}, cp.Steps())
}

func TestWorker_HeartbeatWhileHandlerRuns(t *testing.T) {
	store := memstore.New()
	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{taskType: domain.TaskChapterWrite, fn: func(ctx context.Context, task *domain.Task) error {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			got, err := store.Get(ctx, task.ID)
			if err != nil {
				return err
			}
			if got.HeartbeatAt != nil {
				return nil
			}
			time.Sleep(2 * time.Millisecond)
		}
		return errors.New("no heartbeat observed")
	}})
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite})

	w := newTestWorker(store, lock.NewLocal("worker"), reg, WithHeartbeat(5*time.Millisecond))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status(t, store, task.ID).Status)
}

func TestWorker_LostLockCancelsHandler(t *testing.T) {
	store := memstore.New()
	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{taskType: domain.TaskChapterWrite, fn: func(ctx context.Context, _ *domain.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite})

	w := newTestWorker(store, lossyMutex{}, reg, WithHeartbeat(5*time.Millisecond), WithTimeout(5*time.Second))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got := status(t, store, task.ID)
	assert.Equal(t, domain.StatusPending, got.Status, "a cancelled attempt is retried")
}

func TestWorker_HandlerPanicIsFailure(t *testing.T) {
	store := memstore.New()
	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{taskType: domain.TaskChapterWrite, fn: func(context.Context, *domain.Task) error {
		panic("boom")
	}})
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite})

	w := newTestWorker(store, lock.NewLocal("worker"), reg)
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got := status(t, store, task.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "handler panic: boom")
}

func TestWorker_ContendedLockRecoversStaleTasks(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))
	reg := handlers.NewRegistry()
	h := &fakeHandler{taskType: domain.TaskChapterWrite}
	reg.Register(h)
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite})

	// Another worker claims the task and then goes silent while holding the lock.
	mu := lock.NewLocal("worker")
	_, err := mu.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, 5*time.Minute)
	require.NoError(t, err)

	w := newTestWorker(store, mu, reg, WithClock(clock.Now), WithLease(5*time.Minute))

	clock.Advance(time.Minute)
	worked, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, domain.StatusProcessing, status(t, store, task.ID).Status, "a recent holder is left alone")

	clock.Advance(10 * time.Minute)
	worked, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, domain.StatusPending, status(t, store, task.ID).Status)

	_, err = mu.TryAcquire(ctx)
	assert.ErrorIs(t, err, lock.ErrNotAcquired, "the holder is not broken unless enabled")
	assert.Zero(t, h.calls)
}

func TestWorker_BreakStaleHolder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))
	reg := handlers.NewRegistry()
	h := &fakeHandler{taskType: domain.TaskChapterWrite}
	reg.Register(h)
	task := enqueue(t, store, domain.TaskSpec{Type: domain.TaskChapterWrite})

	mu := lock.NewLocal("worker")
	_, err := mu.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx, 5*time.Minute)
	require.NoError(t, err)

	w := newTestWorker(store, mu, reg, WithClock(clock.Now), WithLease(5*time.Minute), WithBreakStaleHolder(true))
	clock.Advance(11 * time.Minute)

	worked, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	worked, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked, "the broken lock is free for this worker")
	assert.Equal(t, domain.StatusCompleted, status(t, store, task.ID).Status)
	assert.Equal(t, 1, h.calls)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	w := newTestWorker(store, lock.NewLocal("worker"), handlers.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
