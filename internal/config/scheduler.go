package config

import (
	"fmt"
	"time"

	"github.com/rezkam/tempo/internal/env"
)

// SchedulerConfig holds all configuration for the scheduler binary.
type SchedulerConfig struct {
	Storage       StorageConfig
	Observability ObservabilityConfig

	// BacklogCap bounds how many missed occurrences per task are
	// materialized on startup catch-up; excess is dropped and logged.
	BacklogCap int `env:"TEMPO_SCHEDULER_BACKLOG_CAP"`

	// Slack is how far ahead of an occurrence time the tick loop may
	// fire; materialization must land within this bound of the
	// occurrence time.
	Slack time.Duration `env:"TEMPO_SCHEDULER_SLACK"`

	// LeaderLeaseSeconds is the TTL on the scheduler's exclusive-run
	// lease. A standby acquires it once the active holder stops
	// renewing.
	LeaderLeaseSeconds int `env:"TEMPO_SCHEDULER_LEASE_SECONDS"`
}

// LoadSchedulerConfig loads scheduler configuration from the environment
// and applies defaults for anything unset.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	cfg := &SchedulerConfig{
		BacklogCap:         10,
		Slack:              time.Second,
		LeaderLeaseSeconds: 30,
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load scheduler config: %w", err)
	}

	if cfg.BacklogCap < 0 {
		return nil, fmt.Errorf("TEMPO_SCHEDULER_BACKLOG_CAP must be non-negative, got %d", cfg.BacklogCap)
	}
	if cfg.Slack <= 0 {
		return nil, fmt.Errorf("TEMPO_SCHEDULER_SLACK must be positive, got %v", cfg.Slack)
	}

	return cfg, nil
}

// LeaderLease returns the scheduler lease TTL.
func (c *SchedulerConfig) LeaderLease() time.Duration {
	return time.Duration(c.LeaderLeaseSeconds) * time.Second
}
