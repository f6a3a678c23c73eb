package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/tempo/internal/application/controlplane"
	"github.com/rezkam/tempo/internal/application/scheduler"
	"github.com/rezkam/tempo/internal/application/worker"
	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/pipeline"
)

func e2eWorkerConfig() *config.WorkerConfig {
	return &config.WorkerConfig{
		WorkerCount:             2,
		PollInterval:            50 * time.Millisecond,
		LeaseSeconds:            30,
		HeartbeatSeconds:        1,
		CleanupSeconds:          300,
		BackoffBaseSeconds:      0.05,
		BackoffMaxSeconds:       0.2,
		BackoffJitter:           true,
		GracefulShutdownSeconds: 5,
		StepDefaultTimeoutSecs:  10,
	}
}

// A registered task run via run-now flows through lease, pipeline
// execution, and terminal completion: one successful run log, no due work
// left, and a heartbeat row for the worker that did it.
func TestEndToEnd_RunNowSuccess(t *testing.T) {
	store, db := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	svc := controlplane.New(store, logger)

	task := domain.Task{
		ID:           "greet",
		Active:       true,
		ScheduleKind: domain.ScheduleManual,
		Pipeline: domain.Pipeline{Steps: []domain.Step{
			{ID: "s", Uses: "echo", With: map[string]any{"msg": "hi"}, SaveAs: "r"},
		}},
	}
	require.NoError(t, svc.RegisterTask(ctx, task))
	require.NoError(t, svc.RunNow(ctx, "greet"))

	registry := pipeline.NewRegistryInvoker()
	registry.Register("echo", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	})
	pool := worker.New(store, pipeline.NewExecutor(registry), e2eWorkerConfig(), logger)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tableCount(db, "due_work") == 0 && tableCount(db, "run_log") == 1
	}, 10*time.Second, 100*time.Millisecond, "run-now work must settle")

	cancel()
	<-done

	runs, err := store.ListRuns(context.Background(), "greet", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 1, runs[0].Attempt)

	steps := runs[0].Output["steps"].(map[string]any)
	saved := steps["r"].(map[string]any)
	assert.Equal(t, "hi", saved["msg"])

	beats, err := store.ListHeartbeats(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, beats)
}

// Full system: a once task flows from the scheduler's tick loop through a
// worker to a single successful run log.
func TestEndToEnd_OnceTaskViaScheduler(t *testing.T) {
	store, db := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)

	schedCfg := &config.SchedulerConfig{
		BacklogCap:         10,
		Slack:              200 * time.Millisecond,
		LeaderLeaseSeconds: 30,
	}
	sched := scheduler.New(store, schedCfg, logger)
	svc := controlplane.New(store, logger, controlplane.WithRegistrar(sched))

	task := domain.Task{
		ID:           "once",
		Active:       true,
		ScheduleKind: domain.ScheduleOnce,
		ScheduleExpr: time.Now().Add(2 * time.Second).UTC().Format(time.RFC3339),
		Pipeline: domain.Pipeline{Steps: []domain.Step{
			{ID: "s", Uses: "echo", With: map[string]any{"msg": "hi"}, SaveAs: "r"},
		}},
	}
	require.NoError(t, svc.RegisterTask(ctx, task))

	registry := pipeline.NewRegistryInvoker()
	registry.Register("echo", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	})
	pool := worker.New(store, pipeline.NewExecutor(registry), e2eWorkerConfig(), logger)

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		pool.Run(ctx)
		done <- struct{}{}
	}()

	require.Eventually(t, func() bool {
		return tableCount(db, "due_work") == 0 && tableCount(db, "run_log") == 1
	}, 15*time.Second, 100*time.Millisecond, "the once occurrence must fire and settle")

	cancel()
	<-done
	<-done

	runs, err := store.ListRuns(context.Background(), "once", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
}

// A retryable failure is retried with attempt numbers 1..n and the row is
// deleted only on the terminal attempt.
func TestEndToEnd_RetryThenSuccess(t *testing.T) {
	store, db := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)
	svc := controlplane.New(store, logger)

	task := domain.Task{
		ID:           "flaky",
		Active:       true,
		ScheduleKind: domain.ScheduleManual,
		MaxRetries:   2,
		Pipeline: domain.Pipeline{Steps: []domain.Step{
			{ID: "s", Uses: "flaky", SaveAs: "r"},
		}},
	}
	require.NoError(t, svc.RegisterTask(ctx, task))
	require.NoError(t, svc.RunNow(ctx, "flaky"))

	registry := pipeline.NewRegistryInvoker()
	calls := 0
	registry.Register("flaky", func(_ context.Context, input map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, pipeline.ToolError{Address: "flaky", Retryable: true, Err: assert.AnError}
		}
		return map[string]any{"ok": true}, nil
	})

	cfg := e2eWorkerConfig()
	cfg.WorkerCount = 1
	pool := worker.New(store, pipeline.NewExecutor(registry), cfg, logger)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tableCount(db, "due_work") == 0 && tableCount(db, "run_log") == 3
	}, 10*time.Second, 100*time.Millisecond, "all three attempts must be recorded")

	cancel()
	<-done

	runs, err := store.ListRuns(context.Background(), "flaky", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	attempts := map[int]bool{}
	for _, run := range runs {
		attempts[run.Attempt] = run.Success
	}
	assert.Equal(t, map[int]bool{1: false, 2: false, 3: true}, attempts)
}

// Pipeline JSONB round-trips through the task table unchanged.
func TestTaskPersistence_PipelineRoundTrip(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	task := domain.Task{
		ID:           "rt",
		Active:       true,
		Priority:     2,
		ScheduleKind: domain.ScheduleCron,
		ScheduleExpr: "30 2 * * *",
		Timezone:     "Europe/Chisinau",
		Pipeline: domain.Pipeline{Steps: []domain.Step{
			{ID: "a", Uses: "echo", With: map[string]any{"k": "v"}, SaveAs: "out", If: "${params.go}", TimeoutSeconds: 5},
			{ID: "b", Uses: "log"},
		}},
		Params:     map[string]any{"go": true},
		MaxRetries: 3,
	}
	require.NoError(t, store.UpsertTask(ctx, task))

	loaded, err := store.GetTask(ctx, "rt")
	require.NoError(t, err)
	assert.Equal(t, task.Pipeline, loaded.Pipeline)
	assert.Equal(t, task.Params, loaded.Params)
	assert.Equal(t, "Europe/Chisinau", loaded.Timezone)
	assert.Equal(t, 3, loaded.MaxRetries)

	// The stored pipeline column is the raw steps array.
	var raw json.RawMessage
	require.NoError(t, db.QueryRow("SELECT pipeline FROM task WHERE id = 'rt'").Scan(&raw))
	var steps []map[string]any
	require.NoError(t, json.Unmarshal(raw, &steps))
	assert.Len(t, steps, 2)
}
