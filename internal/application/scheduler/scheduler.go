// Package scheduler materializes task occurrences into the durable work
// queue. A single priority queue ordered by next occurrence time drives a
// tick loop; when the head's time arrives the scheduler inserts a due-work
// row, recomputes the task's next occurrence, and re-inserts it. The
// scheduler is the only writer of due_work rows and guards that role with
// a store-level leader lease.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/schedule"
)

// catchUpCountLimit bounds how far past the backlog cap the catch-up scan
// keeps counting dropped occurrences before giving up on an exact number.
const catchUpCountLimit = 1000

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListActiveTasks(ctx context.Context) ([]domain.Task, error)
	InsertDueWork(ctx context.Context, work domain.DueWork) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]domain.RunLog, error)
	AcquireSchedulerLock(ctx context.Context, holderID string, lease time.Duration) (bool, func(context.Context) error, error)
	RenewSchedulerLock(ctx context.Context, holderID string, lease time.Duration) (bool, error)
}

// Metrics is the sink for scheduler counters. Implementations must be
// safe for concurrent use.
type Metrics interface {
	OccurrenceMaterialized(ctx context.Context)
	OccurrencesDropped(ctx context.Context, count int64)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) OccurrenceMaterialized(context.Context)    {}
func (NopMetrics) OccurrencesDropped(context.Context, int64) {}

// Scheduler owns the in-memory occurrence queue for all registered tasks.
// All exported methods are safe for concurrent use with the Run loop.
type Scheduler struct {
	store    Store
	cfg      *config.SchedulerConfig
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time
	holderID string

	mu      sync.Mutex
	entries map[string]*entry
	queue   occurrenceHeap
	wake    chan struct{}
}

// Option is a functional option for configuring Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler. It holds no occurrences until Register or the
// Run loop's startup catch-up populates it.
func New(store Store, cfg *config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Scheduler {
	hostname, _ := os.Hostname()
	s := &Scheduler{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  NopMetrics{},
		now:      time.Now,
		holderID: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()),
		entries:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register adds a task to the occurrence queue, replacing any previous
// scheduling state for the same id. Manual tasks are tracked but produce
// no occurrences.
func (s *Scheduler) Register(ctx context.Context, task domain.Task) error {
	sched, err := schedule.Parse(task.ScheduleKind, task.ScheduleExpr, task.Timezone)
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w", task.ID, err)
	}

	s.mu.Lock()
	s.removeLocked(task.ID)
	e := &entry{task: task, sched: sched, index: -1}
	s.entries[task.ID] = e
	if next, ok := sched.Next(s.now()); ok {
		e.next = next
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()

	s.notify()
	s.logger.InfoContext(ctx, "task registered",
		"task_id", task.ID, "schedule_kind", task.ScheduleKind)
	return nil
}

// Update replaces the scheduling state of a task. Already-materialized
// due-work rows are left alone.
func (s *Scheduler) Update(ctx context.Context, task domain.Task) error {
	return s.Register(ctx, task)
}

// Unregister removes a task from the occurrence queue. Unknown ids are a
// no-op.
func (s *Scheduler) Unregister(ctx context.Context, taskID string) {
	s.mu.Lock()
	s.removeLocked(taskID)
	s.mu.Unlock()

	s.notify()
	s.logger.InfoContext(ctx, "task unregistered", "task_id", taskID)
}

// RunNow materializes one immediate occurrence for a registered task. The
// row's run_at is backdated one second so it is leasable straight away
// despite drift between this process and the database clock.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run-now for task %s: %w", taskID, domain.ErrTaskNotFound)
	}

	work := domain.DueWork{
		ID:       uuid.Must(uuid.NewV7()).String(),
		TaskID:   taskID,
		RunAt:    s.now().Add(-time.Second),
		Priority: e.task.Priority,
	}
	if err := s.store.InsertDueWork(ctx, work); err != nil {
		return fmt.Errorf("run-now for task %s: %w", taskID, err)
	}

	s.metrics.OccurrenceMaterialized(ctx)
	s.logger.InfoContext(ctx, "run-now materialized", "task_id", taskID, "work_id", work.ID)
	return nil
}

// Run acquires the scheduler lease and drives the tick loop until the
// context is cancelled. Losing the lease drops back to the acquire loop
// so a standby instance can run the same function safely.
func (s *Scheduler) Run(ctx context.Context) error {
	lease := s.cfg.LeaderLease()
	for {
		acquired, release, err := s.store.AcquireSchedulerLock(ctx, s.holderID, lease)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to acquire scheduler lease", "error", err)
		}
		if acquired {
			s.logger.InfoContext(ctx, "scheduler lease acquired", "holder_id", s.holderID)
			err := s.lead(ctx)

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if relErr := release(releaseCtx); relErr != nil {
				s.logger.ErrorContext(ctx, "failed to release scheduler lease", "error", relErr)
			}
			cancel()

			if ctx.Err() != nil {
				return err
			}
			s.logger.WarnContext(ctx, "scheduler lease lost, standing by", "holder_id", s.holderID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lease / 2):
		}
	}
}

// lead runs one leadership term: startup catch-up, then ticks until the
// context ends or the lease fails to renew.
func (s *Scheduler) lead(ctx context.Context) error {
	if err := s.loadAndCatchUp(ctx); err != nil {
		return err
	}

	lease := s.cfg.LeaderLease()
	renew := time.NewTicker(lease / 3)
	defer renew.Stop()

	for {
		wait := s.tick(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-renew.C:
			timer.Stop()
			ok, err := s.store.RenewSchedulerLock(ctx, s.holderID, lease)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to renew scheduler lease", "error", err)
				continue
			}
			if !ok {
				return nil
			}
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick materializes every occurrence that has arrived and returns how long
// the loop may sleep before the next one is due, capped by the configured
// slack so liveness holds even if a wake-up is missed.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.next.After(now) {
			break
		}

		work := domain.DueWork{
			ID:       uuid.Must(uuid.NewV7()).String(),
			TaskID:   head.task.ID,
			RunAt:    head.next,
			Priority: head.task.Priority,
		}
		if err := s.store.InsertDueWork(ctx, work); err != nil {
			// Leave the head in place; the next tick retries.
			s.logger.ErrorContext(ctx, "failed to materialize occurrence",
				"task_id", head.task.ID, "run_at", head.next, "error", err)
			return s.cfg.Slack
		}
		s.metrics.OccurrenceMaterialized(ctx)
		s.logger.DebugContext(ctx, "occurrence materialized",
			"task_id", head.task.ID, "work_id", work.ID, "run_at", head.next)

		if next, ok := head.sched.Next(head.next); ok {
			head.next = next
			heap.Fix(&s.queue, 0)
		} else {
			heap.Pop(&s.queue)
		}
	}

	if s.queue.Len() == 0 {
		return s.cfg.Slack
	}
	wait := s.queue[0].next.Sub(now)
	if wait > s.cfg.Slack {
		wait = s.cfg.Slack
	}
	return wait
}

// loadAndCatchUp rebuilds scheduling state from active tasks after a
// restart. Occurrences missed since a task's last recorded run are
// materialized with run_at = now, up to the backlog cap per task; the
// excess is dropped and logged.
func (s *Scheduler) loadAndCatchUp(ctx context.Context) error {
	tasks, err := s.store.ListActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.catchUp(ctx, task); err != nil {
			s.logger.ErrorContext(ctx, "failed to catch up task",
				"task_id", task.ID, "error", err)
			continue
		}
		if err := s.Register(ctx, task); err != nil {
			s.logger.ErrorContext(ctx, "failed to register task on startup",
				"task_id", task.ID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "scheduler state rebuilt", "tasks", len(tasks))
	return nil
}

// catchUp materializes occurrences a task missed while no scheduler was
// running. The window opens at the task's last recorded run, or its
// update time when it has never run.
func (s *Scheduler) catchUp(ctx context.Context, task domain.Task) error {
	sched, err := schedule.Parse(task.ScheduleKind, task.ScheduleExpr, task.Timezone)
	if err != nil {
		return err
	}

	after := task.UpdatedAt
	runs, err := s.store.ListRuns(ctx, task.ID, 1)
	if err != nil {
		return err
	}
	if len(runs) > 0 && runs[0].FinishedAt.After(after) {
		after = runs[0].FinishedAt
	}

	now := s.now()
	materialized, dropped := 0, 0
	for {
		occ, ok := sched.Next(after)
		if !ok || occ.After(now) {
			break
		}
		after = occ

		if materialized < s.cfg.BacklogCap {
			work := domain.DueWork{
				ID:       uuid.Must(uuid.NewV7()).String(),
				TaskID:   task.ID,
				RunAt:    now,
				Priority: task.Priority,
			}
			if err := s.store.InsertDueWork(ctx, work); err != nil {
				return err
			}
			s.metrics.OccurrenceMaterialized(ctx)
			materialized++
			continue
		}

		dropped++
		if dropped >= catchUpCountLimit {
			break
		}
	}

	if dropped > 0 {
		s.metrics.OccurrencesDropped(ctx, int64(dropped))
		s.logger.WarnContext(ctx, "missed occurrences dropped over backlog cap",
			"task_id", task.ID, "materialized", materialized, "dropped", dropped,
			"exact", dropped < catchUpCountLimit)
	} else if materialized > 0 {
		s.logger.InfoContext(ctx, "missed occurrences caught up",
			"task_id", task.ID, "materialized", materialized)
	}

	return nil
}

// removeLocked drops a task from the registry and heap. Caller holds mu.
func (s *Scheduler) removeLocked(taskID string) {
	e, ok := s.entries[taskID]
	if !ok {
		return
	}
	delete(s.entries, taskID)
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
}

// notify nudges the Run loop to re-evaluate its timer after a registry
// change.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
