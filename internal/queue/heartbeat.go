package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/tempo/internal/domain"
)

// UpsertHeartbeat records worker liveness. One row per worker id,
// overwritten on every beat.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb domain.WorkerHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeat (worker_id, last_heartbeat, processed_count, pid, hostname)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			processed_count = EXCLUDED.processed_count,
			pid = EXCLUDED.pid,
			hostname = EXCLUDED.hostname`,
		hb.WorkerID, hb.LastHeartbeat.UTC(), hb.ProcessedCount, hb.PID, hb.Hostname)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// DeleteStaleHeartbeats removes heartbeat rows not refreshed within
// maxAge. Heartbeats are advisory, so this is housekeeping, not
// correctness.
func (s *Store) DeleteStaleHeartbeats(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM worker_heartbeat
		WHERE last_heartbeat < NOW() - make_interval(secs => $1)`,
		maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListHeartbeats returns all known worker heartbeats, most recent first.
func (s *Store) ListHeartbeats(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, last_heartbeat, processed_count, pid, hostname
		FROM worker_heartbeat
		ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []domain.WorkerHeartbeat
	for rows.Next() {
		var hb domain.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.LastHeartbeat, &hb.ProcessedCount, &hb.PID, &hb.Hostname); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		beats = append(beats, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}
	return beats, nil
}
