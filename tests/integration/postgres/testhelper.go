package integration

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/tempo/internal/config"
	"github.com/rezkam/tempo/internal/domain"
	"github.com/rezkam/tempo/internal/queue"
)

// setupStore opens a migrated store against the test database. Tests are
// skipped unless TEMPO_STORAGE_DSN is set. The returned sql.DB is for
// test-side inspection; all tables are truncated on cleanup.
func setupStore(t *testing.T) (*queue.Store, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("TEMPO_STORAGE_DSN")
	if dsn == "" {
		t.Skip("set TEMPO_STORAGE_DSN to run integration tests")
	}

	store, err := queue.Open(context.Background(), config.StorageConfig{DSN: dsn})
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	t.Cleanup(func() {
		db.Exec("TRUNCATE TABLE due_work, run_log, worker_heartbeat, scheduler_lock, task CASCADE")
		db.Close()
		store.Close()
	})

	return store, db
}

// createTask persists a minimal manual task to satisfy the due_work
// foreign key.
func createTask(t *testing.T, store *queue.Store, id string) domain.Task {
	t.Helper()

	task := domain.Task{
		ID:           id,
		Active:       true,
		Priority:     domain.DefaultPriority,
		ScheduleKind: domain.ScheduleManual,
		Pipeline: domain.Pipeline{Steps: []domain.Step{
			{ID: "s", Uses: "echo", With: map[string]any{"msg": "hi"}, SaveAs: "r"},
		}},
		MaxRetries: 0,
	}
	require.NoError(t, store.UpsertTask(context.Background(), task))
	return task
}

func newWorkID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// tableCount is the assertion-free variant for polling loops; it returns
// -1 on query errors.
func tableCount(db *sql.DB, table string) int {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return -1
	}
	return n
}
