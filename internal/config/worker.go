package config

import (
	"fmt"
	"time"

	"github.com/rezkam/tempo/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
//
// Interval-style settings are expressed in seconds to match the deploy
// surface; use the accessor methods for time.Duration values.
type WorkerConfig struct {
	Storage       StorageConfig
	Observability ObservabilityConfig

	WorkerCount             int           `env:"TEMPO_WORKER_COUNT"`
	PollInterval            time.Duration `env:"TEMPO_POLL_INTERVAL"`
	LeaseSeconds            int           `env:"TEMPO_LEASE_SECONDS"`
	HeartbeatSeconds        int           `env:"TEMPO_HEARTBEAT_INTERVAL_SECONDS"`
	CleanupSeconds          int           `env:"TEMPO_CLEANUP_INTERVAL_SECONDS"`
	BackoffBaseSeconds      float64       `env:"TEMPO_BACKOFF_BASE_SECONDS"`
	BackoffMaxSeconds       float64       `env:"TEMPO_BACKOFF_MAX_SECONDS"`
	BackoffJitter           bool          `env:"TEMPO_BACKOFF_JITTER"`
	GracefulShutdownSeconds int           `env:"TEMPO_GRACEFUL_SHUTDOWN_SECONDS"`
	StepDefaultTimeoutSecs  int           `env:"TEMPO_STEP_DEFAULT_TIMEOUT_SECONDS"`
}

// LoadWorkerConfig loads worker configuration from the environment and
// applies defaults for anything unset.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		WorkerCount:             4,
		PollInterval:            500 * time.Millisecond,
		LeaseSeconds:            60,
		HeartbeatSeconds:        30,
		CleanupSeconds:          300,
		BackoffBaseSeconds:      1.0,
		BackoffMaxSeconds:       60.0,
		BackoffJitter:           true,
		GracefulShutdownSeconds: 30,
		StepDefaultTimeoutSecs:  30,
	}

	// env.Load invokes Validate after parsing.
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *WorkerConfig) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("TEMPO_WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.LeaseSeconds <= 0 {
		return fmt.Errorf("TEMPO_LEASE_SECONDS must be positive, got %d", c.LeaseSeconds)
	}
	if c.PollInterval <= 0 || c.PollInterval > 500*time.Millisecond {
		return fmt.Errorf("TEMPO_POLL_INTERVAL must be in (0, 500ms], got %v", c.PollInterval)
	}
	if c.BackoffBaseSeconds <= 0 || c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("backoff bounds invalid: base=%v max=%v", c.BackoffBaseSeconds, c.BackoffMaxSeconds)
	}
	return nil
}

// LeaseDuration returns the lease length for claimed due-work rows.
func (c *WorkerConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// HeartbeatInterval returns how often workers upsert their heartbeat row.
func (c *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CleanupInterval returns how often workers reap expired leases.
func (c *WorkerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c *WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds * float64(time.Second))
}

// BackoffMax returns the retry delay cap.
func (c *WorkerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds * float64(time.Second))
}

// GracefulShutdownTimeout returns how long shutdown waits for in-flight
// attempts before giving up.
func (c *WorkerConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownSeconds) * time.Second
}

// StepDefaultTimeout returns the per-step timeout applied when a step does
// not override it.
func (c *WorkerConfig) StepDefaultTimeout() time.Duration {
	return time.Duration(c.StepDefaultTimeoutSecs) * time.Second
}
