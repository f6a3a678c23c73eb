package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rezkam/tempo/internal/pipeline"
)

// registerBuiltinTools installs the minimal tool set every deployment
// gets. Real tool catalogs are registered by the embedding application;
// these exist for smoke tests and wiring checks.
func registerBuiltinTools(registry *pipeline.RegistryInvoker, logger *slog.Logger) {
	// echo returns its input unchanged.
	registry.Register("echo", func(_ context.Context, input map[string]any) (map[string]any, error) {
		return input, nil
	})

	// log writes its input to the worker log at info level.
	registry.Register("log", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		logger.InfoContext(ctx, "pipeline log step", "input", input)
		return map[string]any{}, nil
	})

	// sleep pauses for input.seconds, honoring the step timeout.
	registry.Register("sleep", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		seconds, ok := input["seconds"].(float64)
		if !ok {
			return nil, pipeline.ValidationError{
				Address: "sleep",
				Err:     fmt.Errorf("seconds must be a number, got %T", input["seconds"]),
			}
		}

		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]any{"slept_seconds": seconds}, nil
		}
	})
}
