package domain_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

func TestPhase_Next_FollowsCycle(t *testing.T) {
	p := domain.PhaseNone
	var got []domain.Phase
	for i := 0; i < 5; i++ {
		p = p.Next()
		got = append(got, p)
	}
	want := []domain.Phase{
		domain.PhaseOutline, domain.PhaseWriting, domain.PhaseReading,
		domain.PhaseOutline, domain.PhaseWriting,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("cycle = %v, want %v", got, want)
	}
}

func TestSeason_PhaseRemaining(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &domain.Season{
		Phase:          domain.PhaseWriting,
		RoundStartTime: start,
		PhaseDurations: domain.PhaseDurations{Reading: 5, Outline: 10, Writing: 30},
	}
	if got := s.PhaseRemaining(start.Add(10 * time.Minute)); got != 20*time.Minute {
		t.Errorf("remaining = %v, want 20m", got)
	}
	if got := s.PhaseRemaining(start.Add(40 * time.Minute)); got >= 0 {
		t.Errorf("remaining = %v, want negative", got)
	}
}

func TestSeason_Expired(t *testing.T) {
	now := time.Now()
	s := &domain.Season{}
	if s.Expired(now) {
		t.Error("season without end time must not expire")
	}
	past := now.Add(-time.Hour)
	s.EndTime = &past
	if !s.Expired(now) {
		t.Error("season past its end time must expire")
	}
}

func TestGaps(t *testing.T) {
	tests := []struct {
		name     string
		existing []int
		target   int
		want     []int
	}{
		{"contiguous", []int{1, 2, 3}, 3, nil},
		{"tail missing", []int{1}, 3, []int{2, 3}},
		{"hole with orphan", []int{1, 3}, 3, []int{2, 3}},
		{"nothing written", nil, 2, []int{1, 2}},
		{"beyond target ignored", []int{1, 2, 5}, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.Gaps(tt.existing, tt.target); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Gaps(%v, %d) = %v, want %v", tt.existing, tt.target, got, tt.want)
			}
		})
	}
}

func TestMergePlan_OverlaysByNumber(t *testing.T) {
	plan := []domain.ChapterPlan{{Number: 1, Title: "a"}, {Number: 2, Title: "b"}}
	merged := domain.MergePlan(plan, []domain.ChapterPlan{{Number: 3, Title: "c"}, {Number: 2, Title: "B"}})
	if len(merged) != 3 || merged[1].Title != "B" || merged[2].Number != 3 {
		t.Errorf("merged = %+v", merged)
	}
}
