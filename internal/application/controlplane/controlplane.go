// Package controlplane owns the task registry: definitions enter and
// leave the system here, fully validated, before the scheduler ever sees
// them. The scheduler and workers only read what this package wrote.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/schedule"
)

// Store is the persistence surface for task definitions. *queue.Store
// satisfies it.
type Store interface {
	UpsertTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	SetTaskActive(ctx context.Context, id string, active bool) error
	InsertDueWork(ctx context.Context, work domain.DueWork) error
}

// Registrar receives scheduling-state changes. An in-process scheduler
// satisfies it; a nil registrar means the scheduler picks changes up on
// its next restart catch-up.
type Registrar interface {
	Register(ctx context.Context, task domain.Task) error
	Update(ctx context.Context, task domain.Task) error
	Unregister(ctx context.Context, taskID string)
}

// Service validates and persists task definitions.
type Service struct {
	store     Store
	registrar Registrar
	logger    *slog.Logger
	now       func() time.Time
}

// Option is a functional option for configuring Service.
type Option func(*Service)

// WithRegistrar attaches an in-process scheduler to notify on changes.
func WithRegistrar(r Registrar) Option {
	return func(s *Service) {
		s.registrar = r
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a control-plane service.
func New(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RegisterTask validates and persists a task definition, replacing any
// previous definition with the same id. An unset priority defaults to
// domain.DefaultPriority.
func (s *Service) RegisterTask(ctx context.Context, task domain.Task) error {
	normalized, err := s.validate(task)
	if err != nil {
		return err
	}

	if err := s.store.UpsertTask(ctx, normalized); err != nil {
		return fmt.Errorf("failed to register task %s: %w", task.ID, err)
	}
	if s.registrar != nil && normalized.Active {
		if err := s.registrar.Register(ctx, normalized); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
		}
	}

	s.logger.InfoContext(ctx, "task registered",
		"task_id", normalized.ID, "schedule_kind", normalized.ScheduleKind)
	return nil
}

// UpdateTask replaces an existing task definition. Returns
// domain.ErrTaskNotFound when the task does not exist; already
// materialized occurrences are left alone.
func (s *Service) UpdateTask(ctx context.Context, task domain.Task) error {
	if _, err := s.store.GetTask(ctx, task.ID); err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}

	normalized, err := s.validate(task)
	if err != nil {
		return err
	}

	if err := s.store.UpsertTask(ctx, normalized); err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if s.registrar != nil {
		if normalized.Active {
			if err := s.registrar.Update(ctx, normalized); err != nil {
				return fmt.Errorf("failed to reschedule task %s: %w", task.ID, err)
			}
		} else {
			s.registrar.Unregister(ctx, normalized.ID)
		}
	}

	s.logger.InfoContext(ctx, "task updated", "task_id", normalized.ID)
	return nil
}

// UnregisterTask deletes a task. Pending due-work rows disappear with it;
// run logs are kept.
func (s *Service) UnregisterTask(ctx context.Context, taskID string) error {
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to unregister task %s: %w", taskID, err)
	}
	if s.registrar != nil {
		s.registrar.Unregister(ctx, taskID)
	}

	s.logger.InfoContext(ctx, "task unregistered", "task_id", taskID)
	return nil
}

// PauseTask deactivates a task without deleting its definition or
// history.
func (s *Service) PauseTask(ctx context.Context, taskID string) error {
	if err := s.store.SetTaskActive(ctx, taskID, false); err != nil {
		return fmt.Errorf("failed to pause task %s: %w", taskID, err)
	}
	if s.registrar != nil {
		s.registrar.Unregister(ctx, taskID)
	}

	s.logger.InfoContext(ctx, "task paused", "task_id", taskID)
	return nil
}

// ResumeTask reactivates a paused task and puts it back on the schedule.
func (s *Service) ResumeTask(ctx context.Context, taskID string) error {
	if err := s.store.SetTaskActive(ctx, taskID, true); err != nil {
		return fmt.Errorf("failed to resume task %s: %w", taskID, err)
	}
	if s.registrar != nil {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to resume task %s: %w", taskID, err)
		}
		if err := s.registrar.Register(ctx, *task); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", taskID, err)
		}
	}

	s.logger.InfoContext(ctx, "task resumed", "task_id", taskID)
	return nil
}

// RunNow materializes one immediate occurrence for an existing active
// task. The row is backdated one second so it is leasable right away
// despite clock drift between this process and the database.
func (s *Service) RunNow(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to run task %s: %w", taskID, err)
	}
	if !task.Active {
		return fmt.Errorf("run-now for task %s: task is inactive", taskID)
	}

	work := domain.DueWork{
		ID:       uuid.Must(uuid.NewV7()).String(),
		TaskID:   taskID,
		RunAt:    s.now().Add(-time.Second),
		Priority: task.Priority,
	}
	if err := s.store.InsertDueWork(ctx, work); err != nil {
		return fmt.Errorf("failed to run task %s: %w", taskID, err)
	}

	s.logger.InfoContext(ctx, "run-now materialized", "task_id", taskID, "work_id", work.ID)
	return nil
}

// validate checks a definition end to end: id, pipeline structure,
// schedule expression, and timezone. It returns the normalized task.
func (s *Service) validate(task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		return domain.Task{}, fmt.Errorf("task id is empty: %w", domain.ErrInvalidID)
	}
	if task.MaxRetries < 0 {
		return domain.Task{}, fmt.Errorf("task %s: max retries must be non-negative", task.ID)
	}
	if err := task.Pipeline.Validate(); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if _, err := schedule.Parse(task.ScheduleKind, task.ScheduleExpr, task.Timezone); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	if task.Priority == 0 {
		task.Priority = domain.DefaultPriority
	}
	return task, nil
}
