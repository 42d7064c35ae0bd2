package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusProcessing, "PROCESSING"},
		{domain.StatusCompleted, "COMPLETED"},
		{domain.StatusFailed, "FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusProcessing} {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestTaskSpec_Normalized_DefaultsMaxAttempts(t *testing.T) {
	spec := domain.TaskSpec{Type: "X"}.Normalized()
	if spec.MaxAttempts != domain.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", spec.MaxAttempts, domain.DefaultMaxAttempts)
	}
	spec = domain.TaskSpec{Type: "X", MaxAttempts: 7}.Normalized()
	if spec.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", spec.MaxAttempts)
	}
}

func TestTaskPayload_WireShape(t *testing.T) {
	raw, err := json.Marshal(domain.TaskPayload{SeasonID: "s1", BookIDs: []string{"b1"}, Round: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"seasonId":"s1","bookIds":["b1"],"round":2}`
	if string(raw) != want {
		t.Errorf("payload = %s, want %s", raw, want)
	}

	task := &domain.Task{ID: "t1", Payload: raw}
	p, err := task.DecodePayload()
	if err != nil {
		t.Fatal(err)
	}
	if p.SeasonID != "s1" || p.Round != 2 || len(p.BookIDs) != 1 {
		t.Errorf("decoded payload = %+v", p)
	}
}

func TestTask_LastSeen_PrefersHeartbeat(t *testing.T) {
	started := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	beat := started.Add(time.Minute)
	task := &domain.Task{StartedAt: &started}
	if !task.LastSeen().Equal(started) {
		t.Errorf("LastSeen = %v, want startedAt", task.LastSeen())
	}
	task.HeartbeatAt = &beat
	if !task.LastSeen().Equal(beat) {
		t.Errorf("LastSeen = %v, want heartbeatAt", task.LastSeen())
	}
}
