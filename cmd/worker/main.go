package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/rezkam/tempo/internal/application/worker"
	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/pipeline"
	"github.com/rezkam/tempo/internal/queue"
	"github.com/rezkam/tempo/pkg/observability"
)

const serviceName = "tempo-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return err
	}

	loggerProvider, logger, err := observability.InitLogger(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return err
	}
	meterProvider, err := observability.InitMeterProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return err
	}
	tracerProvider, err := observability.InitTracerProvider(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracer provider", "error", err)
		}
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down meter provider", "error", err)
		}
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down logger provider", "error", err)
		}
	}()

	store, err := queue.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := pipeline.NewRegistryInvoker()
	registerBuiltinTools(registry, logger)

	executor := pipeline.NewExecutor(registry,
		pipeline.WithDefaultTimeout(cfg.StepDefaultTimeout()))

	metrics, err := observability.NewWorkerMetrics(otel.Meter(serviceName))
	if err != nil {
		return err
	}

	pool := worker.New(store, executor, cfg, logger, worker.WithMetrics(metrics))
	return pool.Run(ctx)
}
