package queue

import (
	"context"
	"fmt"
	"time"
)

// SchedulerLockName is the single advisory lock row gating scheduler
// leadership.
const SchedulerLockName = "scheduler"

// AcquireSchedulerLock tries to become the scheduler leader for the
// lease duration. Returns acquired=false when another live holder owns
// the lock. On success the returned release func best-effort drops the
// lock early; expiry covers a crashed holder.
func (s *Store) AcquireSchedulerLock(ctx context.Context, holderID string, lease time.Duration) (acquired bool, release func(context.Context) error, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_lock (lock_name, holder_id, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (lock_name) DO UPDATE SET
			holder_id = EXCLUDED.holder_id,
			expires_at = EXCLUDED.expires_at
		WHERE scheduler_lock.expires_at < NOW()
		   OR scheduler_lock.holder_id = EXCLUDED.holder_id`,
		SchedulerLockName, holderID, lease.Seconds())
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil, nil
	}

	release = func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM scheduler_lock WHERE lock_name = $1 AND holder_id = $2`,
			SchedulerLockName, holderID)
		if err != nil {
			return fmt.Errorf("failed to release scheduler lock: %w", err)
		}
		return nil
	}
	return true, release, nil
}

// RenewSchedulerLock extends the leader lease. Returns false when the
// lock has moved to another holder, in which case the caller must stop
// scheduling.
func (s *Store) RenewSchedulerLock(ctx context.Context, holderID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduler_lock
		SET expires_at = NOW() + make_interval(secs => $3)
		WHERE lock_name = $1 AND holder_id = $2`,
		SchedulerLockName, holderID, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to renew scheduler lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
