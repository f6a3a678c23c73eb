package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/tempo/internal/domain"
)

// UpsertTask creates or replaces a task definition. The pipeline and
// params are stored as JSONB; updated_at always moves forward so readers
// can detect definition changes.
func (s *Store) UpsertTask(ctx context.Context, t domain.Task) error {
	pipeline, err := json.Marshal(t.Pipeline.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode pipeline: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if t.Params == nil {
		params = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task (id, active, priority, schedule_kind, schedule_expr, timezone, pipeline, params, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			schedule_kind = EXCLUDED.schedule_kind,
			schedule_expr = EXCLUDED.schedule_expr,
			timezone = EXCLUDED.timezone,
			pipeline = EXCLUDED.pipeline,
			params = EXCLUDED.params,
			max_retries = EXCLUDED.max_retries,
			updated_at = NOW()`,
		t.ID, t.Active, t.Priority, t.ScheduleKind, t.ScheduleExpr, t.Timezone,
		pipeline, params, t.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask loads one task definition. Returns domain.ErrTaskNotFound when
// no row exists.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, active, priority, schedule_kind, schedule_expr, timezone, pipeline, params, max_retries, created_at, updated_at
		FROM task WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTask removes a task; due_work rows go with it via the foreign
// key cascade. Returns domain.ErrTaskNotFound when no row was deleted.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// SetTaskActive flips the active flag without touching the rest of the
// definition. Returns domain.ErrTaskNotFound when no row was updated.
func (s *Store) SetTaskActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task SET active = $2, updated_at = NOW() WHERE id = $1`,
		id, active)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ListActiveTasks returns every active task definition. The scheduler
// loads these at startup to rebuild its in-memory occurrence queue.
func (s *Store) ListActiveTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, active, priority, schedule_kind, schedule_expr, timezone, pipeline, params, max_retries, created_at, updated_at
		FROM task WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var pipeline, params []byte
	err := row.Scan(&t.ID, &t.Active, &t.Priority, &t.ScheduleKind, &t.ScheduleExpr,
		&t.Timezone, &pipeline, &params, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(pipeline, &t.Pipeline.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params for task %s: %w", t.ID, err)
	}
	return &t, nil
}
