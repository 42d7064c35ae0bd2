package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

const taskColumns = `id, type, payload, status, priority, attempts, max_attempts, error_message,
	COALESCE(dedupe_key, ''), COALESCE(step, ''), step_at, started_at, heartbeat_at,
	completed_at, created_at, updated_at`

type taskQueue struct {
	pool *pgxpool.Pool
}

// NewTaskQueue wraps a pgxpool with the TaskQueue interface.
func NewTaskQueue(pool *pgxpool.Pool) TaskQueue {
	return &taskQueue{pool: pool}
}

func (q *taskQueue) Enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	return insertTask(ctx, q.pool, spec)
}

// insertTask is shared with AdvancePhase so enqueues can ride a transaction.
func insertTask(ctx context.Context, db querier, spec domain.TaskSpec) (*domain.Task, error) {
	spec = spec.Normalized()
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	row := db.QueryRow(ctx, `
		INSERT INTO tasks (id, type, payload, status, priority, attempts, max_attempts, dedupe_key)
		VALUES ($1, $2, $3, 'PENDING', $4, 0, $5, NULLIF($6, ''))
		ON CONFLICT (dedupe_key) WHERE status IN ('PENDING', 'PROCESSING') DO NOTHING
		RETURNING `+taskColumns,
		uuid.New().String(), spec.Type, payload, spec.Priority, spec.MaxAttempts, spec.DedupeKey,
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	var notFound *domain.TaskNotFoundError
	if !errors.As(err, &notFound) || spec.DedupeKey == "" {
		return nil, fmt.Errorf("enqueue %s: %w", spec.Type, err)
	}

	// Dedupe hit: hand back the task that already carries the key.
	row = db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE dedupe_key = $1 AND status IN ('PENDING', 'PROCESSING')
	`, spec.DedupeKey)
	task, err = scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("load deduped task %q: %w", spec.DedupeKey, err)
	}
	return task, nil
}

func (q *taskQueue) ClaimNext(ctx context.Context, lease time.Duration) (*domain.Task, error) {
	leaseMs := lease.Milliseconds()
	var claimed *domain.Task

	err := inTx(ctx, q.pool, func(tx pgx.Tx) error {
		// A lapsed lease on the final attempt cannot be retried.
		if _, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status        = 'FAILED',
			    error_message = COALESCE(error_message, 'lease expired on final attempt'),
			    completed_at  = now(),
			    updated_at    = now()
			WHERE status = 'PROCESSING'
			  AND attempts >= max_attempts
			  AND COALESCE(heartbeat_at, started_at) < now() - $1::bigint * interval '1 millisecond'
		`, leaseMs); err != nil {
			return fmt.Errorf("expire exhausted leases: %w", err)
		}

		row := tx.QueryRow(ctx, `
			UPDATE tasks t
			SET status       = 'PROCESSING',
			    attempts     = t.attempts + 1,
			    started_at   = now(),
			    heartbeat_at = NULL,
			    step         = 'claimed',
			    step_at      = now(),
			    updated_at   = now()
			FROM (
				SELECT id
				FROM tasks
				WHERE attempts < max_attempts
				  AND (status = 'PENDING'
				       OR (status = 'PROCESSING'
				           AND COALESCE(heartbeat_at, started_at) < now() - $1::bigint * interval '1 millisecond'))
				ORDER BY priority DESC, created_at ASC, seq ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			) c
			WHERE t.id = c.id
			RETURNING t.id, t.type, t.payload, t.status, t.priority, t.attempts, t.max_attempts,
			          t.error_message, COALESCE(t.dedupe_key, ''), COALESCE(t.step, ''), t.step_at,
			          t.started_at, t.heartbeat_at, t.completed_at, t.created_at, t.updated_at
		`, leaseMs)

		task, err := scanTask(row)
		if err != nil {
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return fmt.Errorf("claim next task: %w", err)
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *taskQueue) Complete(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'COMPLETED', completed_at = now(), updated_at = now(),
		    step = 'completed', step_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return q.transitionRejected(ctx, id)
	}
	return nil
}

func (q *taskQueue) Fail(ctx context.Context, id, message string) (domain.Status, error) {
	var status string
	err := q.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status        = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		    started_at    = CASE WHEN attempts < max_attempts THEN NULL ELSE started_at END,
		    completed_at  = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END,
		    heartbeat_at  = NULL,
		    error_message = $2,
		    step          = 'failed',
		    step_at       = now(),
		    updated_at    = now()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING status
	`, id, message).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", q.transitionRejected(ctx, id)
		}
		return "", fmt.Errorf("fail task %s: %w", id, err)
	}
	return domain.Status(status), nil
}

// transitionRejected explains why a PROCESSING-only transition matched no row.
func (q *taskQueue) transitionRejected(ctx context.Context, id string) error {
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return &domain.TaskAlreadyProcessedError{TaskID: id, Status: task.Status}
	}
	return fmt.Errorf("task %s is %s, not PROCESSING", id, task.Status)
}

func (q *taskQueue) Checkpoint(ctx context.Context, id, step string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE tasks SET step = $2, step_at = now(), updated_at = now()
		WHERE id = $1
	`, id, step)
	if err != nil {
		return fmt.Errorf("checkpoint task %s: %w", id, err)
	}
	return nil
}

func (q *taskQueue) Heartbeat(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE tasks SET heartbeat_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id)
	if err != nil {
		return fmt.Errorf("heartbeat task %s: %w", id, err)
	}
	return nil
}

func (q *taskQueue) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (q *taskQueue) Processing(ctx context.Context) ([]*domain.Task, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'PROCESSING'
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list processing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *taskQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		switch domain.Status(status) {
		case domain.StatusPending:
			stats.Pending = n
		case domain.StatusProcessing:
			stats.Processing = n
		case domain.StatusCompleted:
			stats.Completed = n
		case domain.StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var statusStr string
	var payload []byte
	err := row.Scan(
		&task.ID, &task.Type, &payload, &statusStr,
		&task.Priority, &task.Attempts, &task.MaxAttempts, &task.ErrorMessage,
		&task.DedupeKey, &task.Step, &task.StepAt, &task.StartedAt, &task.HeartbeatAt,
		&task.CompletedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	task.Payload = json.RawMessage(payload)
	return &task, nil
}
