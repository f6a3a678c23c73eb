// Package queue is the PostgreSQL persistence layer: the durable work
// queue with row-level leasing, plus task, run-log, heartbeat, and
// scheduler-lock storage. All mutations are short single-purpose
// transactions; the SKIP LOCKED lease scan is the locking primitive the
// scheduler and workers build on.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/queue/migrations"
)

// Store provides PostgreSQL-backed access to the orchestrator schema.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, runs migrations, and returns a Store.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	if err := migrate(cfg.DSN); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool. Used by tests that manage their own
// connection lifecycle.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// migrate applies embedded goose migrations over a short-lived
// database/sql connection.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// nowUTC is the clock used for lease timestamps written from Go. Lease
// comparisons happen against the database clock, so the deadlines only
// need to be roughly aligned, not identical.
func nowUTC() time.Time {
	return time.Now().UTC()
}
