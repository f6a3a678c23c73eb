package config

import (
	"fmt"
	"time"
)

// StorageConfig holds PostgreSQL connection settings shared by all binaries.
type StorageConfig struct {
	DSN             string        `env:"TEMPO_STORAGE_DSN"`
	MaxConns        int           `env:"TEMPO_STORAGE_MAX_CONNS"`
	MinConns        int           `env:"TEMPO_STORAGE_MIN_CONNS"`
	ConnMaxLifetime time.Duration `env:"TEMPO_STORAGE_CONN_MAX_LIFETIME"`
}

// Validate is called by env.Load after parsing.
func (c *StorageConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("TEMPO_STORAGE_DSN is required")
	}
	return nil
}

// ObservabilityConfig controls the OTLP exporters. When disabled the
// binaries log JSON to stdout and metrics are no-ops.
type ObservabilityConfig struct {
	OTelEnabled bool `env:"TEMPO_OTEL_ENABLED"`
}
