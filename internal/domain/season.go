package domain

import "time"

// Phase is a time-boxed sub-stage of a round.
type Phase string

const (
	PhaseNone    Phase = "NONE"
	PhaseOutline Phase = "OUTLINE"
	PhaseWriting Phase = "WRITING"
	PhaseReading Phase = "READING"
)

// Next returns the phase that follows p in the fixed round cycle.
// NONE only ever leads to OUTLINE.
func (p Phase) Next() Phase {
	switch p {
	case PhaseNone, PhaseReading:
		return PhaseOutline
	case PhaseOutline:
		return PhaseWriting
	case PhaseWriting:
		return PhaseReading
	default:
		return PhaseNone
	}
}

// SeasonStatus is the lifecycle of a season.
type SeasonStatus string

const (
	SeasonActive   SeasonStatus = "ACTIVE"
	SeasonFinished SeasonStatus = "FINISHED"
)

// PhaseDurations are expressed in minutes.
type PhaseDurations struct {
	Reading int `json:"reading" yaml:"reading"`
	Outline int `json:"outline" yaml:"outline"`
	Writing int `json:"writing" yaml:"writing"`
}

// For returns the configured duration of the given phase.
func (d PhaseDurations) For(p Phase) time.Duration {
	var m int
	switch p {
	case PhaseReading:
		m = d.Reading
	case PhaseOutline:
		m = d.Outline
	case PhaseWriting:
		m = d.Writing
	}
	return time.Duration(m) * time.Minute
}

// Season is one competition run.
type Season struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Theme        string       `json:"theme"`
	CurrentRound int          `json:"current_round"`
	Phase        Phase        `json:"round_phase"`
	// RoundStartTime is reset whenever the phase changes.
	RoundStartTime time.Time      `json:"round_start_time"`
	PhaseDurations PhaseDurations `json:"phase_durations"`
	MaxRounds      int            `json:"max_rounds"`
	Status         SeasonStatus   `json:"status"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	MinWords       int            `json:"min_words"`
	MaxWords       int            `json:"max_words"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PhaseRemaining is the time left in the current phase at now.
func (s *Season) PhaseRemaining(now time.Time) time.Duration {
	return s.RoundStartTime.Add(s.PhaseDurations.For(s.Phase)).Sub(now)
}

// Expired reports whether the season's end time has passed.
func (s *Season) Expired(now time.Time) bool {
	return s.EndTime != nil && now.After(*s.EndTime)
}

// PhaseTransition is a compare-and-set on a season's (phase, round) pair.
// Tasks in Enqueue are created atomically with the transition.
type PhaseTransition struct {
	SeasonID  string
	FromPhase Phase
	FromRound int
	ToPhase   Phase
	ToRound   int
	StartedAt time.Time
	Finish    bool
	Enqueue   []TaskSpec
}
