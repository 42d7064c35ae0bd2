package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task types understood by the worker.
const (
	TaskOutlineGenerate = "outline.generate"
	TaskChapterWrite    = "chapter.write"
	TaskSeasonCatchUp   = "season.catchup"
	TaskReaderDispatch  = "reader.dispatch"
	TaskReaderComment   = "reader.comment"
	TaskRoundAdvance    = "round.advance"
)

// DefaultMaxAttempts is used when a TaskSpec leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// Task is a durable unit of background work.
type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	Step         string          `json:"step,omitempty"`
	StepAt       *time.Time      `json:"step_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LastSeen is the most recent sign of life of a PROCESSING task.
func (t *Task) LastSeen() time.Time {
	if t.HeartbeatAt != nil {
		return *t.HeartbeatAt
	}
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.CreatedAt
}

// DecodePayload unmarshals the task payload into the shared payload contract.
func (t *Task) DecodePayload() (TaskPayload, error) {
	var p TaskPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload of task %s: %w", t.ID, err)
	}
	return p, nil
}

// TaskPayload is the internal payload contract shared by every task type.
type TaskPayload struct {
	SeasonID  string   `json:"seasonId,omitempty"`
	BookID    string   `json:"bookId,omitempty"`
	BookIDs   []string `json:"bookIds,omitempty"`
	ChapterID string   `json:"chapterId,omitempty"`
	Round     int      `json:"round,omitempty"`
	AgentID   string   `json:"agentId,omitempty"`
}

// TaskSpec describes a task to enqueue.
type TaskSpec struct {
	Type        string      `json:"taskType" validate:"required"`
	Payload     TaskPayload `json:"payload"`
	Priority    int         `json:"priority"`
	MaxAttempts int         `json:"maxAttempts" validate:"gte=0,lte=20"`
	// DedupeKey, when set, collapses the enqueue onto an already active task
	// carrying the same key.
	DedupeKey string `json:"dedupeKey,omitempty"`
}

// Normalized returns a copy with defaults applied.
func (s TaskSpec) Normalized() TaskSpec {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	return s
}

// QueueStats is the operational view of the queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Priorities used by the engine when it enqueues its own work.
const (
	PriorityReader  = 0
	PriorityContent = 5
	PriorityCatchUp = 10
	PriorityManual  = 20
)
