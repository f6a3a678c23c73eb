package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/pipeline"
)

type mockQueue struct {
	leaseOne        func(ctx context.Context, workerID string, lease time.Duration) (*domain.DueWork, error)
	renewLease      func(ctx context.Context, workID, workerID string, lease time.Duration) (bool, error)
	completeWithRun func(ctx context.Context, workID, workerID string, run domain.RunLog) error
	complete        func(ctx context.Context, workID, workerID string) (bool, error)
	release         func(ctx context.Context, workID, workerID string) error
	recordRun       func(ctx context.Context, run domain.RunLog) error
	getTask         func(ctx context.Context, id string) (*domain.Task, error)
}

func (m *mockQueue) LeaseOne(ctx context.Context, workerID string, lease time.Duration) (*domain.DueWork, error) {
	if m.leaseOne != nil {
		return m.leaseOne(ctx, workerID, lease)
	}
	return nil, nil
}

func (m *mockQueue) RenewLease(ctx context.Context, workID, workerID string, lease time.Duration) (bool, error) {
	if m.renewLease != nil {
		return m.renewLease(ctx, workID, workerID, lease)
	}
	return true, nil
}

func (m *mockQueue) CompleteWithRun(ctx context.Context, workID, workerID string, run domain.RunLog) error {
	if m.completeWithRun != nil {
		return m.completeWithRun(ctx, workID, workerID, run)
	}
	return nil
}

func (m *mockQueue) Complete(ctx context.Context, workID, workerID string) (bool, error) {
	if m.complete != nil {
		return m.complete(ctx, workID, workerID)
	}
	return true, nil
}

func (m *mockQueue) Release(ctx context.Context, workID, workerID string) error {
	if m.release != nil {
		return m.release(ctx, workID, workerID)
	}
	return nil
}

func (m *mockQueue) ReapExpiredLeases(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockQueue) RecordRun(ctx context.Context, run domain.RunLog) error {
	if m.recordRun != nil {
		return m.recordRun(ctx, run)
	}
	return nil
}

func (m *mockQueue) UpsertHeartbeat(context.Context, domain.WorkerHeartbeat) error {
	return nil
}

func (m *mockQueue) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if m.getTask != nil {
		return m.getTask(ctx, id)
	}
	return nil, domain.ErrTaskNotFound
}

type mockExecutor struct {
	execute func(ctx context.Context, p domain.Pipeline, meta pipeline.TaskMeta) (map[string]any, error)
}

func (m *mockExecutor) Execute(ctx context.Context, p domain.Pipeline, meta pipeline.TaskMeta) (map[string]any, error) {
	return m.execute(ctx, p, meta)
}

func testWorkerConfig() *config.WorkerConfig {
	return &config.WorkerConfig{
		WorkerCount:             1,
		PollInterval:            time.Millisecond,
		LeaseSeconds:            60,
		HeartbeatSeconds:        30,
		CleanupSeconds:          300,
		BackoffBaseSeconds:      0.001,
		BackoffMaxSeconds:       0.002,
		BackoffJitter:           false,
		GracefulShutdownSeconds: 30,
		StepDefaultTimeoutSecs:  30,
	}
}

func taskLoader(task domain.Task) func(ctx context.Context, id string) (*domain.Task, error) {
	return func(_ context.Context, id string) (*domain.Task, error) {
		if id != task.ID {
			return nil, domain.ErrTaskNotFound
		}
		t := task
		return &t, nil
	}
}

func newTestPool(q Queue, e Executor, cfg *config.WorkerConfig) *Pool {
	if cfg == nil {
		cfg = testWorkerConfig()
	}
	return New(q, e, cfg, slog.New(slog.DiscardHandler))
}

func TestProcessWork_RetryThenSuccess(t *testing.T) {
	task := domain.Task{ID: "flaky", Active: true, MaxRetries: 2}
	work := domain.DueWork{ID: "c21e1f52-43d5-7a9b-8000-000000000001", TaskID: "flaky"}

	calls := 0
	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			calls++
			if calls < 3 {
				return nil, pipeline.ToolError{Address: "flaky", Retryable: true, Err: errors.New("transient")}
			}
			return map[string]any{"ok": true}, nil
		},
	}

	var recorded []domain.RunLog
	var final *domain.RunLog
	var renewed []string
	q := &mockQueue{
		getTask: taskLoader(task),
		recordRun: func(_ context.Context, run domain.RunLog) error {
			recorded = append(recorded, run)
			return nil
		},
		completeWithRun: func(_ context.Context, workID, _ string, run domain.RunLog) error {
			assert.Equal(t, work.ID, workID)
			final = &run
			return nil
		},
		renewLease: func(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
			renewed = append(renewed, "renew")
			return true, nil
		},
	}

	p := newTestPool(q, executor, nil)
	settled := p.processWork(context.Background(), p.logger, "w1", work)

	assert.Equal(t, int64(1), settled)
	assert.Equal(t, 3, calls)

	// Failed attempts 1 and 2 are recorded without deleting the row.
	require.Len(t, recorded, 2)
	assert.Equal(t, 1, recorded[0].Attempt)
	assert.Equal(t, 2, recorded[1].Attempt)
	for _, run := range recorded {
		assert.False(t, run.Success)
		assert.Contains(t, run.Error, "transient")
	}

	// The terminal attempt deletes the row in the same transaction.
	require.NotNil(t, final)
	assert.True(t, final.Success)
	assert.Equal(t, 3, final.Attempt)

	// Lease renewed before attempts 2 and 3.
	assert.Len(t, renewed, 2)
}

func TestProcessWork_PermanentErrorNoRetry(t *testing.T) {
	task := domain.Task{ID: "bad", Active: true, MaxRetries: 5}
	work := domain.DueWork{TaskID: "bad"}

	calls := 0
	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			calls++
			return nil, pipeline.TemplateError{Expr: "bad..expr", Err: errors.New("syntax")}
		},
	}

	var final *domain.RunLog
	q := &mockQueue{
		getTask: taskLoader(task),
		completeWithRun: func(_ context.Context, _, _ string, run domain.RunLog) error {
			final = &run
			return nil
		},
	}

	p := newTestPool(q, executor, nil)
	settled := p.processWork(context.Background(), p.logger, "w1", work)

	assert.Equal(t, int64(1), settled)
	assert.Equal(t, 1, calls, "permanent failures must not retry")
	require.NotNil(t, final)
	assert.False(t, final.Success)
	assert.Equal(t, 1, final.Attempt)
}

func TestProcessWork_RetriesExhausted(t *testing.T) {
	task := domain.Task{ID: "always-fails", Active: true, MaxRetries: 1}
	work := domain.DueWork{TaskID: "always-fails"}

	calls := 0
	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			calls++
			return nil, pipeline.ToolError{Address: "x", Retryable: true, Err: errors.New("down")}
		},
	}

	var final *domain.RunLog
	q := &mockQueue{
		getTask: taskLoader(task),
		completeWithRun: func(_ context.Context, _, _ string, run domain.RunLog) error {
			final = &run
			return nil
		},
	}

	p := newTestPool(q, executor, nil)
	settled := p.processWork(context.Background(), p.logger, "w1", work)

	assert.Equal(t, int64(1), settled)
	assert.Equal(t, 2, calls)
	require.NotNil(t, final)
	assert.False(t, final.Success)
	assert.Equal(t, 2, final.Attempt)
}

func TestProcessWork_LostLeaseAbandons(t *testing.T) {
	task := domain.Task{ID: "t", Active: true, MaxRetries: 3}
	work := domain.DueWork{TaskID: "t"}

	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			return nil, pipeline.ToolError{Address: "x", Retryable: true, Err: errors.New("down")}
		},
	}

	completed := false
	q := &mockQueue{
		getTask: taskLoader(task),
		renewLease: func(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
			return false, nil
		},
		completeWithRun: func(_ context.Context, _, _ string, _ domain.RunLog) error {
			completed = true
			return nil
		},
	}

	p := newTestPool(q, executor, nil)
	settled := p.processWork(context.Background(), p.logger, "w1", work)

	assert.Equal(t, int64(0), settled)
	assert.False(t, completed, "a worker without the lease must not touch the row")
}

func TestProcessWork_InactiveTaskDiscardsRow(t *testing.T) {
	task := domain.Task{ID: "paused", Active: false}
	work := domain.DueWork{TaskID: "paused"}

	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			t.Fatal("inactive task must not execute")
			return nil, nil
		},
	}

	discarded := false
	q := &mockQueue{
		getTask: taskLoader(task),
		complete: func(_ context.Context, _, _ string) (bool, error) {
			discarded = true
			return true, nil
		},
	}

	p := newTestPool(q, executor, nil)
	p.processWork(context.Background(), p.logger, "w1", work)
	assert.True(t, discarded)
}

func TestProcessWork_MissingTaskDiscardsRow(t *testing.T) {
	work := domain.DueWork{TaskID: "gone"}

	discarded := false
	q := &mockQueue{
		complete: func(_ context.Context, _, _ string) (bool, error) {
			discarded = true
			return true, nil
		},
	}

	p := newTestPool(q, &mockExecutor{execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
		t.Fatal("missing task must not execute")
		return nil, nil
	}}, nil)

	settled := p.processWork(context.Background(), p.logger, "w1", work)
	assert.Equal(t, int64(0), settled)
	assert.True(t, discarded)
}

func TestProcessWork_PanicBecomesPermanentFailure(t *testing.T) {
	task := domain.Task{ID: "boom", Active: true, MaxRetries: 3}
	work := domain.DueWork{TaskID: "boom"}

	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			panic("tool bug")
		},
	}

	var final *domain.RunLog
	q := &mockQueue{
		getTask: taskLoader(task),
		completeWithRun: func(_ context.Context, _, _ string, run domain.RunLog) error {
			final = &run
			return nil
		},
	}

	p := newTestPool(q, executor, nil)
	settled := p.processWork(context.Background(), p.logger, "w1", work)

	assert.Equal(t, int64(1), settled)
	require.NotNil(t, final)
	assert.False(t, final.Success)
	assert.Equal(t, 1, final.Attempt)
	assert.Contains(t, final.Error, "panicked")
}

func TestProcessWork_ShutdownMidBackoffReleases(t *testing.T) {
	task := domain.Task{ID: "t", Active: true, MaxRetries: 3}
	work := domain.DueWork{TaskID: "t"}

	ctx, cancel := context.WithCancel(context.Background())
	executor := &mockExecutor{
		execute: func(_ context.Context, _ domain.Pipeline, _ pipeline.TaskMeta) (map[string]any, error) {
			cancel()
			return nil, pipeline.ToolError{Address: "x", Retryable: true, Err: errors.New("down")}
		},
	}

	released := false
	q := &mockQueue{
		getTask: taskLoader(task),
		release: func(_ context.Context, _, _ string) error {
			released = true
			return nil
		},
	}

	cfg := testWorkerConfig()
	cfg.BackoffBaseSeconds = 10
	cfg.BackoffMaxSeconds = 10
	p := newTestPool(q, executor, cfg)

	settled := p.processWork(ctx, p.logger, "w1", work)
	assert.Equal(t, int64(0), settled)
	assert.True(t, released, "shutdown during backoff must release the row")
}

func TestBackoff_Schedule(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.BackoffBaseSeconds = 1
	cfg.BackoffMaxSeconds = 60
	cfg.BackoffJitter = false
	p := newTestPool(&mockQueue{}, nil, cfg)

	cases := map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 32 * time.Second,
		7: 60 * time.Second,
		8: 60 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, p.backoff(attempt), "attempt %d", attempt)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.BackoffBaseSeconds = 1
	cfg.BackoffMaxSeconds = 60
	cfg.BackoffJitter = true
	p := newTestPool(&mockQueue{}, nil, cfg)

	for i := 0; i < 100; i++ {
		d := p.backoff(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
