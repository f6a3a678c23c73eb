package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rezkam/tempo/internal/domain"
)

// InsertDueWork materializes one occurrence. The primary key makes the
// insert idempotent for a given occurrence id.
func (s *Store) InsertDueWork(ctx context.Context, work domain.DueWork) error {
	id, err := uuid.Parse(work.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO due_work (id, task_id, run_at, priority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, work.TaskID, work.RunAt.UTC(), work.Priority)
	if err != nil {
		return fmt.Errorf("failed to insert due work: %w", err)
	}
	return nil
}

// LeaseOne claims the single most urgent available row for workerID and
// stamps its lease. Availability and ordering are decided entirely by the
// database clock and the idx_due_work_order index; SKIP LOCKED keeps
// concurrent claimers from blocking on each other. Returns nil when
// nothing is due.
func (s *Store) LeaseOne(ctx context.Context, workerID string, lease time.Duration) (*domain.DueWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var work domain.DueWork
	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id, task_id, run_at, priority, created_at
		FROM due_work
		WHERE run_at <= NOW()
		  AND (locked_until IS NULL OR locked_until < NOW())
		ORDER BY run_at ASC, priority DESC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(&id, &work.TaskID, &work.RunAt, &work.Priority, &work.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select due work: %w", err)
	}

	lockedUntil := nowUTC().Add(lease)
	_, err = tx.Exec(ctx, `
		UPDATE due_work SET locked_until = $2, locked_by = $3 WHERE id = $1`,
		id, lockedUntil, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	work.ID = id.String()
	work.LockedUntil = &lockedUntil
	work.LockedBy = &workerID
	return &work, nil
}

// RenewLease extends the lease on a row the worker still holds. Returns
// false when the row is gone or the lease was lost to another worker;
// the caller must then abandon the work item.
func (s *Store) RenewLease(ctx context.Context, workID, workerID string, lease time.Duration) (bool, error) {
	id, err := uuid.Parse(workID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE due_work SET locked_until = $3
		WHERE id = $1 AND locked_by = $2 AND locked_until >= NOW()`,
		id, workerID, nowUTC().Add(lease))
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete deletes a finished row if the worker still owns it. A zero
// affected count is not an error: the lease may have expired and the row
// been reclaimed, which the caller treats as already handled elsewhere.
func (s *Store) Complete(ctx context.Context, workID, workerID string) (bool, error) {
	id, err := uuid.Parse(workID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM due_work WHERE id = $1 AND locked_by = $2`,
		id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to complete due work: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteWithRun records the final attempt and deletes the work row in
// one transaction, so a crash between the two cannot lose the outcome.
// Returns domain.ErrLeaseLost when the worker no longer owns the row, in
// which case nothing is written.
func (s *Store) CompleteWithRun(ctx context.Context, workID, workerID string, run domain.RunLog) error {
	id, err := uuid.Parse(workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM due_work WHERE id = $1 AND locked_by = $2`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("failed to delete due work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}

	if err := insertRunLog(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// Release clears the lease so another worker can claim the row after its
// run_at. Used when a worker shuts down mid-backoff or loses interest in
// a row it still holds.
func (s *Store) Release(ctx context.Context, workID, workerID string) error {
	id, err := uuid.Parse(workID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE due_work SET locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("failed to release due work: %w", err)
	}
	return nil
}

// ReapExpiredLeases clears lock fields on rows whose lease expired more
// than grace ago, making orphaned work claimable again. Returns the
// number of rows recovered.
func (s *Store) ReapExpiredLeases(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE due_work SET locked_until = NULL, locked_by = NULL
		WHERE locked_until IS NOT NULL
		  AND locked_until < NOW() - make_interval(secs => $1)`,
		grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordRun appends a run log entry outside any completion transaction.
// Used for non-terminal attempts, which keep the work row alive.
func (s *Store) RecordRun(ctx context.Context, run domain.RunLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertRunLog(ctx, tx, run); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run log: %w", err)
	}
	return nil
}

// ListRuns returns the most recent run log entries for a task, newest
// first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, worker_id, started_at, finished_at, success, attempt, output, error
		FROM run_log
		WHERE task_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunLog
	for rows.Next() {
		var run domain.RunLog
		var id uuid.UUID
		var output []byte
		var errText *string
		if err := rows.Scan(&id, &run.TaskID, &run.WorkerID, &run.StartedAt, &run.FinishedAt,
			&run.Success, &run.Attempt, &output, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		run.ID = id.String()
		if len(output) > 0 {
			if err := json.Unmarshal(output, &run.Output); err != nil {
				return nil, fmt.Errorf("failed to decode run output: %w", err)
			}
		}
		if errText != nil {
			run.Error = *errText
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run logs: %w", err)
	}
	return runs, nil
}

func insertRunLog(ctx context.Context, tx pgx.Tx, run domain.RunLog) error {
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidID, err)
	}

	var output []byte
	if run.Output != nil {
		output, err = json.Marshal(run.Output)
		if err != nil {
			return fmt.Errorf("failed to encode run output: %w", err)
		}
	}

	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO run_log (id, task_id, worker_id, started_at, finished_at, success, attempt, output, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, run.TaskID, run.WorkerID, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Success, run.Attempt, output, errText)
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}
