package domain

import "time"

// DueWork is one scheduled occurrence of a task awaiting execution.
// A row is available when both lock fields are unset or the lock has
// expired; it is leased by exactly one worker otherwise. Rows are deleted
// on terminal outcome.
type DueWork struct {
	ID          string
	TaskID      string
	RunAt       time.Time
	Priority    int
	LockedUntil *time.Time
	LockedBy    *string
	CreatedAt   time.Time
}

// RunLog is the immutable record of one execution attempt. Attempt numbers
// for a single DueWork row are 1..MaxRetries+1 with no gaps.
type RunLog struct {
	ID         string
	TaskID     string
	WorkerID   string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Attempt    int
	Output     map[string]any
	Error      string
}

// WorkerHeartbeat is the per-worker liveness record. It is advisory:
// correctness comes from lease expiry, heartbeats only feed monitoring.
type WorkerHeartbeat struct {
	WorkerID       string
	LastHeartbeat  time.Time
	ProcessedCount int64
	PID            int
	Hostname       string
}
