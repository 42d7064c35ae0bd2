package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

const progressTTL = 24 * time.Hour

func stepKey(taskID string) string     { return "task:step:" + taskID }
func progressKey(taskID string) string { return "task:progress:" + taskID }

// Progress is the last checkpoint a worker recorded for a task.
type Progress struct {
	Step string
	At   time.Time
}

// ProgressStore keeps worker checkpoints in Redis so operators can watch a
// long-running task without touching the queue table.
type ProgressStore struct {
	client *redis.Client
}

// NewProgressStore creates a Redis-backed ProgressStore.
func NewProgressStore(client *redis.Client) *ProgressStore {
	return &ProgressStore{client: client}
}

// Checkpoint records step as the latest progress of the task and appends it
// to the task's step history.
func (s *ProgressStore) Checkpoint(ctx context.Context, taskID, step string) error {
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stepKey(taskID), "step", step, "at", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, stepKey(taskID), progressTTL)
	pipe.RPush(ctx, progressKey(taskID), step)
	pipe.Expire(ctx, progressKey(taskID), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis checkpoint for %s: %w", taskID, err)
	}
	return nil
}

// Last returns the most recent checkpoint of a task.
func (s *ProgressStore) Last(ctx context.Context, taskID string) (Progress, error) {
	vals, err := s.client.HGetAll(ctx, stepKey(taskID)).Result()
	if err != nil {
		return Progress{}, fmt.Errorf("redis get step for %s: %w", taskID, err)
	}
	if len(vals) == 0 {
		return Progress{}, &domain.TaskNotFoundError{TaskID: taskID}
	}
	at, _ := time.Parse(time.RFC3339Nano, vals["at"])
	return Progress{Step: vals["step"], At: at}, nil
}

// History returns every checkpoint of a task in the order recorded.
func (s *ProgressStore) History(ctx context.Context, taskID string) ([]string, error) {
	steps, err := s.client.LRange(ctx, progressKey(taskID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get history for %s: %w", taskID, err)
	}
	return steps, nil
}
