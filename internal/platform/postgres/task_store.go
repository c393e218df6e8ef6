package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AsherLHJ/paperq/internal/platform/logger"
	"github.com/AsherLHJ/paperq/internal/queue"
	"github.com/AsherLHJ/paperq/internal/store"
)

// taskColumns is the column list every task select uses.
const taskColumns = "id, user_id, job_id, item_key, state, enqueued_at, running_since, attempts, last_error"

// TaskStore is the durable queue.Queue implementation. Per-user FIFO order
// is the order of the bigserial primary key; the conditional dequeue takes
// a row lock on the head so racing consumers serialize on the database.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store over the given database handle. The
// handle must be a *sql.DB (not a transaction) because the conditional
// dequeue opens its own transaction.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

var _ queue.Queue = (*TaskStore)(nil)

// Enqueue inserts one ready task per non-blank item key.
func (s *TaskStore) Enqueue(ctx context.Context, userID int64, jobID uuid.UUID, itemKeys []string) (int, error) {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (user_id, job_id, item_key, state, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	now := time.Now().UTC()
	created := 0
	for _, key := range itemKeys {
		if key == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, query, userID, jobID, key, queue.StateReady, now); err != nil {
			log.Error("failed to enqueue task",
				"user_id", userID,
				"job_id", jobID,
				"item_key", key,
				"error", err)
			return created, fmt.Errorf("failed to enqueue task: %w", MapError(err))
		}
		created++
	}
	return created, nil
}

func (s *TaskStore) BacklogSize(ctx context.Context, userID int64) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE user_id = $1 AND state = $2`
	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, queue.StateReady).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", MapError(err))
	}
	return n, nil
}

func (s *TaskStore) TotalBacklog(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE state = $1`
	var n int
	if err := s.db.QueryRowContext(ctx, query, queue.StateReady).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count total backlog: %w", MapError(err))
	}
	return n, nil
}

func (s *TaskStore) PeekHead(ctx context.Context, userID int64) (*queue.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE user_id = $1 AND state = $2
		ORDER BY id
		LIMIT 1
	`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, userID, queue.StateReady))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek head: %w", MapError(err))
	}
	return task, nil
}

// ConditionalDequeue claims taskID only while it is still the head of the
// user's ready queue. The head is re-read under FOR UPDATE inside a
// transaction, so concurrent claimants serialize and exactly one wins.
func (s *TaskStore) ConditionalDequeue(ctx context.Context, taskID, userID int64) (*queue.Task, error) {
	var claimed *queue.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		headQuery := `
			SELECT id
			FROM tasks
			WHERE user_id = $1 AND state = $2
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		`
		var headID int64
		err := tx.QueryRowContext(ctx, headQuery, userID, queue.StateReady).Scan(&headID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock head: %w", MapError(err))
		}
		if headID != taskID {
			// The peeked task is no longer the head. No side effect.
			return nil
		}

		updateQuery := `
			UPDATE tasks
			SET state = $1, running_since = $2
			WHERE id = $3
			RETURNING ` + taskColumns
		task, err := scanTask(tx.QueryRowContext(ctx, updateQuery, queue.StateRunning, time.Now().UTC(), taskID))
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", MapError(err))
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// PushBack reverts a running task to ready. Ready order is id order, so the
// task re-enters at its original FIFO position.
func (s *TaskStore) PushBack(ctx context.Context, taskID int64) error {
	query := `
		UPDATE tasks
		SET state = $1, running_since = NULL, attempts = attempts + 1
		WHERE id = $2 AND state = $3
	`
	result, err := s.db.ExecContext(ctx, query, queue.StateReady, taskID, queue.StateRunning)
	if err != nil {
		return fmt.Errorf("failed to push back task: %w", MapError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Absent, or already finished by someone else. Either way the
		// push-back did not apply.
		return fmt.Errorf("%w: task %d is not running", store.ErrUpdateFailed, taskID)
	}
	return nil
}

func (s *TaskStore) MarkDone(ctx context.Context, taskID int64) error {
	return s.finish(ctx, taskID, queue.StateDone, "")
}

func (s *TaskStore) MarkFailed(ctx context.Context, taskID int64, reason string) error {
	return s.finish(ctx, taskID, queue.StateFailed, reason)
}

func (s *TaskStore) finish(ctx context.Context, taskID int64, state queue.State, reason string) error {
	query := `
		UPDATE tasks
		SET state = $1, last_error = $2
		WHERE id = $3
	`
	result, err := s.db.ExecContext(ctx, query, state, reason, taskID)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", MapError(err))
	}
	return CheckRowsAffected(result, "task")
}

func (s *TaskStore) ActiveUsers(ctx context.Context) ([]int64, error) {
	query := `SELECT DISTINCT user_id FROM tasks WHERE state = $1`
	rows, err := s.db.QueryContext(ctx, query, queue.StateReady)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var userIDs []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active users: %w", err)
	}
	return userIDs, nil
}

// JobProgress counts a job's tasks; done and failed both count as complete.
func (s *TaskStore) JobProgress(ctx context.Context, jobID uuid.UUID) (queue.Progress, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state IN ($2, $3))
		FROM tasks
		WHERE job_id = $1
	`
	var p queue.Progress
	err := s.db.QueryRowContext(ctx, query, jobID, queue.StateDone, queue.StateFailed).
		Scan(&p.Total, &p.Completed)
	if err != nil {
		return queue.Progress{}, fmt.Errorf("failed to read job progress: %w", MapError(err))
	}
	return p, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*queue.Task, error) {
	var (
		task         queue.Task
		jobID        string
		runningSince sql.NullTime
		lastError    sql.NullString
	)
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&jobID,
		&task.ItemKey,
		&task.State,
		&task.EnqueuedAt,
		&runningSince,
		&task.Attempts,
		&lastError,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	task.JobID = parsed
	if runningSince.Valid {
		task.RunningSince = runningSince.Time
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	return &task, nil
}
