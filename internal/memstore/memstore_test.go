package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestClaimNext_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(newClock().Now))

	low, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskReaderDispatch, Priority: domain.PriorityReader})
	require.NoError(t, err)
	first, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite, Priority: domain.PriorityContent})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite, Priority: domain.PriorityContent})
	require.NoError(t, err)

	var order []string
	for {
		task, err := s.ClaimNext(ctx, time.Minute)
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{first.ID, second.ID, low.ID}, order)
}

func TestClaimNext_ConcurrentClaimersTakeEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(ctx, time.Hour)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for id, c := range claimed {
		assert.Equal(t, 1, c, "task %s claimed more than once", id)
	}
}

func TestEnqueue_DedupeKeyReturnsActiveTask(t *testing.T) {
	ctx := context.Background()
	s := New()

	spec := domain.TaskSpec{Type: domain.TaskSeasonCatchUp, DedupeKey: "catchup:s1:2"}
	a, err := s.Enqueue(ctx, spec)
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	claimed, err := s.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, claimed.ID))

	c, err := s.Enqueue(ctx, spec)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "a finished task no longer blocks its key")
}

func TestFail_RetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	s := New()

	task, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite, MaxAttempts: 2})
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	status, err := s.Fail(ctx, claimed.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	claimed, err = s.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts)
	status, err = s.Fail(ctx, claimed.ID, "boom again")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom again", *got.ErrorMessage)

	err = s.Complete(ctx, task.ID)
	var done *domain.TaskAlreadyProcessedError
	assert.True(t, errors.As(err, &done))
}

func TestClaimNext_ExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := New(WithClock(clock.Now))

	retry, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite, Priority: 1})
	require.NoError(t, err)
	last, err := s.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskChapterWrite, MaxAttempts: 1})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.ClaimNext(ctx, time.Minute)
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Second)
	none, err := s.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "live leases are not reclaimed")

	clock.Advance(2 * time.Minute)
	again, err := s.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, retry.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	exhausted, err := s.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, exhausted.Status)
}

func TestAdvancePhase_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	season := &domain.Season{Name: "s"}
	require.NoError(t, s.CreateSeason(ctx, season))

	tr := domain.PhaseTransition{
		SeasonID: season.ID, FromPhase: domain.PhaseNone, FromRound: 1,
		ToPhase: domain.PhaseOutline, ToRound: 1, StartedAt: time.Now(),
		Enqueue: []domain.TaskSpec{{Type: domain.TaskOutlineGenerate}},
	}
	ok, err := s.AdvancePhase(ctx, tr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvancePhase(ctx, tr)
	require.NoError(t, err)
	assert.False(t, ok, "second advance from a stale state is rejected")
	assert.Len(t, s.Tasks(), 1)
}

func TestSaveChapter_IdempotentAndCompletesBook(t *testing.T) {
	ctx := context.Background()
	s := New()
	book := &domain.Book{SeasonID: "s1", MaxChapters: 2}
	require.NoError(t, s.CreateBook(ctx, book))

	for _, n := range []int{1, 1, 2} {
		_, err := s.SaveChapter(ctx, &domain.Chapter{BookID: book.ID, Number: n, Content: "x"}, domain.ChapterWrite{HeatDelta: domain.ChapterHeat})
		require.NoError(t, err)
	}
	got, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChapterCount)
	assert.Equal(t, domain.BookCompleted, got.Status)
	assert.InDelta(t, 2*domain.ChapterHeat, got.Heat, 1e-9)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateAgent(ctx, &domain.Agent{ID: "a"}))
	require.NoError(t, s.CreateAgent(ctx, &domain.Agent{ID: "b"}))
	require.NoError(t, s.Grant(ctx, "a", 5, "seed"))

	err := s.Transfer(ctx, "a", "b", 10, "gift")
	var short *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, int64(5), short.Balance)

	require.NoError(t, s.Transfer(ctx, "a", "b", 5, "gift"))
	b, err := s.GetAgent(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Balance)
	assert.Len(t, s.Ledger(), 2)
}
