package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/scheduler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeTicker struct {
	out []scheduler.Outcome
	err error
}

func (f *fakeTicker) TickAll(context.Context) ([]scheduler.Outcome, error) { return f.out, f.err }

type fakeRunner struct {
	calls int
}

func (f *fakeRunner) RunOnce(context.Context) (bool, error) {
	f.calls++
	return true, nil
}

var (
	_ Ticker = (*fakeTicker)(nil)
	_ Runner = (*fakeRunner)(nil)
)

// ── helpers ──────────────────────────────────────────────────────────────────

func newServer(t *testing.T, ticker Ticker, runner Runner) (*httptest.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewREST(store, store, ticker, runner, []string{domain.TaskChapterWrite, domain.TaskSeasonCatchUp}, logger)
	srv := httptest.NewServer(Router(h, logger))
	t.Cleanup(srv.Close)
	return srv, store
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitTask_Accepted(t *testing.T) {
	srv, store := newServer(t, &fakeTicker{}, &fakeRunner{})

	body := `{"taskType":"season.catchup","payload":{"seasonId":"s1","round":2}}`
	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[SubmitTaskResponse](t, resp)
	assert.Equal(t, string(domain.StatusPending), got.Status)

	task, err := store.Get(context.Background(), got.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityManual, task.Priority)
	assert.Equal(t, domain.DefaultMaxAttempts, task.MaxAttempts)
	p, err := task.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SeasonID)
	assert.Equal(t, 2, p.Round)
}

func TestSubmitTask_Rejected(t *testing.T) {
	srv, store := newServer(t, &fakeTicker{}, &fakeRunner{})

	cases := map[string]string{
		"malformed":    `{`,
		"missing type": `{"payload":{}}`,
		"unknown type": `{"taskType":"email.send"}`,
		"bad attempts": `{"taskType":"chapter.write","maxAttempts":99}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, store.Tasks())
}

func TestGetTask(t *testing.T) {
	srv, store := newServer(t, &fakeTicker{}, &fakeRunner{})
	task, err := store.Enqueue(context.Background(), domain.TaskSpec{Type: domain.TaskChapterWrite, Priority: 5})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/tasks/" + task.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[TaskStatusResponse](t, resp)
	assert.Equal(t, domain.TaskChapterWrite, got.Type)
	assert.Equal(t, 5, got.Priority)

	resp, err = http.Get(srv.URL + "/api/v1/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv, store := newServer(t, &fakeTicker{}, &fakeRunner{})
	_, err := store.Enqueue(context.Background(), domain.TaskSpec{Type: domain.TaskChapterWrite})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	got := decode[domain.QueueStats](t, resp)
	assert.Equal(t, domain.QueueStats{Pending: 1}, got)
}

func TestGetSeason(t *testing.T) {
	srv, store := newServer(t, &fakeTicker{}, &fakeRunner{})
	season := &domain.Season{Name: "spring"}
	require.NoError(t, store.CreateSeason(context.Background(), season))

	resp, err := http.Get(srv.URL + "/api/v1/seasons/" + season.ID)
	require.NoError(t, err)
	got := decode[domain.Season](t, resp)
	assert.Equal(t, domain.PhaseNone, got.Phase)
	assert.Equal(t, 1, got.CurrentRound)

	resp, err = http.Get(srv.URL + "/api/v1/seasons/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrigger_ReportsTickErrorsAndStillRunsWorker(t *testing.T) {
	ticker := &fakeTicker{
		out: []scheduler.Outcome{{SeasonID: "s1", Action: scheduler.ActionAdvanced}},
		err: errors.New("season s2: boom"),
	}
	runner := &fakeRunner{}
	srv, _ := newServer(t, ticker, runner)

	resp, err := http.Post(srv.URL+"/api/v1/trigger", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[TriggerResponse](t, resp)
	require.Len(t, got.Seasons, 1)
	assert.Equal(t, scheduler.ActionAdvanced, got.Seasons[0].Action)
	assert.True(t, got.Processed)
	assert.Equal(t, []string{"season s2: boom"}, got.Errors)
	assert.Equal(t, 1, runner.calls)
}
