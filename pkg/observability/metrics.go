package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics counts worker pool activity. It satisfies the worker
// package's Metrics interface.
type WorkerMetrics struct {
	leased    metric.Int64Counter
	completed metric.Int64Counter
	retried   metric.Int64Counter
	reaped    metric.Int64Counter
}

// NewWorkerMetrics registers the worker counters on the given meter.
func NewWorkerMetrics(meter metric.Meter) (*WorkerMetrics, error) {
	leased, err := meter.Int64Counter("tempo.worker.work_leased",
		metric.WithDescription("Due-work rows leased by workers"))
	if err != nil {
		return nil, fmt.Errorf("failed to create leased counter: %w", err)
	}
	completed, err := meter.Int64Counter("tempo.worker.runs_completed",
		metric.WithDescription("Terminal run outcomes, by success"))
	if err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}
	retried, err := meter.Int64Counter("tempo.worker.attempts_retried",
		metric.WithDescription("Failed attempts that will be retried"))
	if err != nil {
		return nil, fmt.Errorf("failed to create retried counter: %w", err)
	}
	reaped, err := meter.Int64Counter("tempo.worker.leases_reaped",
		metric.WithDescription("Expired leases cleared for reclaim"))
	if err != nil {
		return nil, fmt.Errorf("failed to create reaped counter: %w", err)
	}

	return &WorkerMetrics{leased: leased, completed: completed, retried: retried, reaped: reaped}, nil
}

func (m *WorkerMetrics) WorkLeased(ctx context.Context) {
	m.leased.Add(ctx, 1)
}

func (m *WorkerMetrics) RunCompleted(ctx context.Context, success bool) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func (m *WorkerMetrics) AttemptRetried(ctx context.Context) {
	m.retried.Add(ctx, 1)
}

func (m *WorkerMetrics) LeasesReaped(ctx context.Context, count int64) {
	m.reaped.Add(ctx, count)
}

// SchedulerMetrics counts occurrence materialization. It satisfies the
// scheduler package's Metrics interface.
type SchedulerMetrics struct {
	materialized metric.Int64Counter
	dropped      metric.Int64Counter
}

// NewSchedulerMetrics registers the scheduler counters on the given meter.
func NewSchedulerMetrics(meter metric.Meter) (*SchedulerMetrics, error) {
	materialized, err := meter.Int64Counter("tempo.scheduler.occurrences_materialized",
		metric.WithDescription("Due-work rows inserted by the scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create materialized counter: %w", err)
	}
	dropped, err := meter.Int64Counter("tempo.scheduler.occurrences_dropped",
		metric.WithDescription("Missed occurrences dropped over the backlog cap"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	return &SchedulerMetrics{materialized: materialized, dropped: dropped}, nil
}

func (m *SchedulerMetrics) OccurrenceMaterialized(ctx context.Context) {
	m.materialized.Add(ctx, 1)
}

func (m *SchedulerMetrics) OccurrencesDropped(ctx context.Context, count int64) {
	m.dropped.Add(ctx, count)
}
