package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// NotFoundError is returned when a season, book, chapter or agent is missing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// RateLimitExceededError is returned when an agent exceeds its commentary rate.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// InvalidTaskTypeError is returned when no handler is registered for a task type.
type InvalidTaskTypeError struct {
	TaskType string
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no handler registered for task type %q", e.TaskType)
}

// TaskAlreadyProcessedError is returned when a terminal task is asked to transition again.
type TaskAlreadyProcessedError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyProcessedError) Error() string {
	return fmt.Sprintf("task %s already processed with status %s", e.TaskID, e.Status)
}

// InsufficientBalanceError is returned by transfers the sender cannot cover.
type InsufficientBalanceError struct {
	AgentID string
	Balance int64
	Amount  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("agent %s has balance %d, cannot transfer %d", e.AgentID, e.Balance, e.Amount)
}
