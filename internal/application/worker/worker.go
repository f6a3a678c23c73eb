// Package worker runs the pool that drains the durable work queue. Each
// worker goroutine loops heartbeat, reap, lease, execute; executing a
// claimed row runs the task's pipeline through an attempt loop with
// exponential backoff, renewing the lease between attempts and abandoning
// the row the moment ownership is lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/pipeline"
)

// Queue is the persistence surface a worker needs. *queue.Store satisfies
// it.
type Queue interface {
	LeaseOne(ctx context.Context, workerID string, lease time.Duration) (*domain.DueWork, error)
	RenewLease(ctx context.Context, workID, workerID string, lease time.Duration) (bool, error)
	CompleteWithRun(ctx context.Context, workID, workerID string, run domain.RunLog) error
	Complete(ctx context.Context, workID, workerID string) (bool, error)
	Release(ctx context.Context, workID, workerID string) error
	ReapExpiredLeases(ctx context.Context, grace time.Duration) (int64, error)
	RecordRun(ctx context.Context, run domain.RunLog) error
	UpsertHeartbeat(ctx context.Context, hb domain.WorkerHeartbeat) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// Executor runs one pipeline to completion. *pipeline.Executor satisfies
// it.
type Executor interface {
	Execute(ctx context.Context, p domain.Pipeline, meta pipeline.TaskMeta) (map[string]any, error)
}

// Metrics is the sink for worker counters. Implementations must be safe
// for concurrent use.
type Metrics interface {
	WorkLeased(ctx context.Context)
	RunCompleted(ctx context.Context, success bool)
	AttemptRetried(ctx context.Context)
	LeasesReaped(ctx context.Context, count int64)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) WorkLeased(context.Context)          {}
func (NopMetrics) RunCompleted(context.Context, bool)  {}
func (NopMetrics) AttemptRetried(context.Context)      {}
func (NopMetrics) LeasesReaped(context.Context, int64) {}

// Pool runs a fixed number of worker goroutines against the queue.
type Pool struct {
	queue    Queue
	executor Executor
	cfg      *config.WorkerConfig
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time
	hostname string
}

// Option is a functional option for configuring Pool.
type Option func(*Pool)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a worker pool. Nothing runs until Run is called.
func New(q Queue, executor Executor, cfg *config.WorkerConfig, logger *slog.Logger, opts ...Option) *Pool {
	hostname, _ := os.Hostname()
	p := &Pool{
		queue:    q,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		metrics:  NopMetrics{},
		now:      time.Now,
		hostname: hostname,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run starts the configured number of workers and blocks until the context
// is cancelled and every worker has drained. In-flight attempts get the
// graceful shutdown window to finish before their context is cut.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool starting",
		"workers", p.cfg.WorkerCount,
		"lease", p.cfg.LeaseDuration(),
		"poll_interval", p.cfg.PollInterval)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := p.newWorkerID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()

	p.logger.InfoContext(ctx, "worker pool stopped")
	return ctx.Err()
}

// runWorker is one worker's loop: heartbeat and reap when due, then lease
// and process a single row, then repeat. An empty queue is polled at the
// configured interval.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With("worker_id", workerID)
	logger.InfoContext(ctx, "worker started")

	var processed int64
	var lastHeartbeat, lastReap time.Time

	for {
		if ctx.Err() != nil {
			p.beat(context.WithoutCancel(ctx), logger, workerID, processed)
			logger.InfoContext(ctx, "worker stopped", "processed", processed)
			return
		}

		now := p.now()
		if now.Sub(lastHeartbeat) >= p.cfg.HeartbeatInterval() {
			p.beat(ctx, logger, workerID, processed)
			lastHeartbeat = now
		}
		if now.Sub(lastReap) >= p.cfg.CleanupInterval() {
			p.reap(ctx, logger)
			lastReap = now
		}

		work, err := p.queue.LeaseOne(ctx, workerID, p.cfg.LeaseDuration())
		if err != nil {
			if ctx.Err() == nil {
				logger.ErrorContext(ctx, "failed to lease work", "error", err)
			}
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		if work == nil {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}

		p.metrics.WorkLeased(ctx)
		processed += p.processWork(ctx, logger, workerID, *work)
	}
}

// processWork drives one claimed row through the attempt loop to a
// terminal outcome. Returns 1 when this worker settled the row, 0 when it
// abandoned it (lost lease, shutdown, transient store failure).
func (p *Pool) processWork(ctx context.Context, logger *slog.Logger, workerID string, work domain.DueWork) int64 {
	runCtx, cancel := p.attemptContext(ctx)
	defer cancel()

	logger = logger.With("work_id", work.ID, "task_id", work.TaskID)

	task, err := p.queue.GetTask(runCtx, work.TaskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		// Task deleted between materialization and claim; the foreign key
		// cascade usually removes the row first, but not always.
		logger.WarnContext(runCtx, "task gone, discarding occurrence")
		p.discard(runCtx, logger, work.ID, workerID)
		return 0
	}
	if err != nil {
		logger.ErrorContext(runCtx, "failed to load task", "error", err)
		p.release(runCtx, logger, work.ID, workerID)
		return 0
	}
	if !task.Active {
		logger.InfoContext(runCtx, "task inactive, discarding occurrence")
		p.discard(runCtx, logger, work.ID, workerID)
		return 0
	}

	attempts := task.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt >= 2 {
			ok, err := p.queue.RenewLease(runCtx, work.ID, workerID, p.cfg.LeaseDuration())
			if err != nil {
				logger.ErrorContext(runCtx, "failed to renew lease, abandoning", "error", err)
				return 0
			}
			if !ok {
				logger.WarnContext(runCtx, "lease lost, abandoning", "attempt", attempt)
				return 0
			}
		}

		started := p.now()
		output, execErr := p.execute(runCtx, task)
		finished := p.now()

		run := domain.RunLog{
			ID:         uuid.Must(uuid.NewV7()).String(),
			TaskID:     task.ID,
			WorkerID:   workerID,
			StartedAt:  started,
			FinishedAt: finished,
			Success:    execErr == nil,
			Attempt:    attempt,
			Output:     output,
		}
		if execErr != nil {
			run.Error = execErr.Error()
		}

		terminal := execErr == nil || !pipeline.IsRetryable(execErr) || attempt == attempts
		if terminal {
			if err := p.queue.CompleteWithRun(runCtx, work.ID, workerID, run); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					logger.WarnContext(runCtx, "lease lost at completion, abandoning", "attempt", attempt)
				} else {
					logger.ErrorContext(runCtx, "failed to complete work", "error", err)
				}
				return 0
			}
			p.metrics.RunCompleted(runCtx, run.Success)
			if execErr == nil {
				logger.InfoContext(runCtx, "work completed", "attempt", attempt)
			} else {
				logger.ErrorContext(runCtx, "work failed permanently",
					"attempt", attempt, "error", execErr)
			}
			return 1
		}

		if err := p.queue.RecordRun(runCtx, run); err != nil {
			logger.ErrorContext(runCtx, "failed to record attempt", "error", err)
		}
		p.metrics.AttemptRetried(runCtx)

		delay := p.backoff(attempt)
		logger.WarnContext(runCtx, "attempt failed, backing off",
			"attempt", attempt, "delay", delay, "error", execErr)
		if !sleepCtx(ctx, delay) {
			// Shutting down mid-backoff: let another worker pick the row
			// up after its run_at.
			p.release(runCtx, logger, work.ID, workerID)
			return 0
		}
	}
	return 0
}

// execute runs the pipeline with panic containment. A panicking tool or
// template bug becomes a permanent failure instead of taking the worker
// down.
func (p *Pool) execute(ctx context.Context, task *domain.Task) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()
	return p.executor.Execute(ctx, task.Pipeline, pipeline.TaskMeta{
		TaskID: task.ID,
		Params: task.Params,
	})
}

// attemptContext returns a context for one row's processing that survives
// pool shutdown for the graceful shutdown window, so in-flight attempts
// and their completion writes can finish after Run's context is cancelled.
func (p *Pool) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(p.cfg.GracefulShutdownTimeout())
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-runCtx.Done():
		}
	})
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (p *Pool) discard(ctx context.Context, logger *slog.Logger, workID, workerID string) {
	if _, err := p.queue.Complete(ctx, workID, workerID); err != nil {
		logger.ErrorContext(ctx, "failed to discard work", "error", err)
	}
}

func (p *Pool) release(ctx context.Context, logger *slog.Logger, workID, workerID string) {
	if err := p.queue.Release(ctx, workID, workerID); err != nil {
		logger.ErrorContext(ctx, "failed to release work", "error", err)
	}
}

func (p *Pool) beat(ctx context.Context, logger *slog.Logger, workerID string, processed int64) {
	hb := domain.WorkerHeartbeat{
		WorkerID:       workerID,
		LastHeartbeat:  p.now(),
		ProcessedCount: processed,
		PID:            os.Getpid(),
		Hostname:       p.hostname,
	}
	if err := p.queue.UpsertHeartbeat(ctx, hb); err != nil {
		logger.WarnContext(ctx, "failed to upsert heartbeat", "error", err)
	}
}

func (p *Pool) reap(ctx context.Context, logger *slog.Logger) {
	n, err := p.queue.ReapExpiredLeases(ctx, 0)
	if err != nil {
		logger.ErrorContext(ctx, "failed to reap expired leases", "error", err)
		return
	}
	if n > 0 {
		p.metrics.LeasesReaped(ctx, n)
		logger.InfoContext(ctx, "expired leases reaped", "count", n)
	}
}

func (p *Pool) newWorkerID() string {
	return fmt.Sprintf("%s-%d-%s", p.hostname, os.Getpid(), uuid.NewString())
}

// sleepCtx sleeps for d or until the context ends. Returns false when the
// sleep was cut short by cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
