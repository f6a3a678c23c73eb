package domain

import (
	"time"
)

// ScheduleKind identifies how a task's occurrences are computed.
type ScheduleKind string

const (
	// ScheduleOnce fires at the single instant parsed from the schedule
	// expression (RFC 3339).
	ScheduleOnce ScheduleKind = "once"

	// ScheduleCron fires per a standard 5-field cron expression,
	// interpreted in the task's timezone.
	ScheduleCron ScheduleKind = "cron"

	// ScheduleRRule fires per an RFC 5545 RRULE, interpreted in the
	// task's timezone.
	ScheduleRRule ScheduleKind = "rrule"

	// ScheduleManual produces no occurrences on its own; work is
	// materialized only by an explicit run-now request.
	ScheduleManual ScheduleKind = "manual"
)

// DefaultPriority is assigned to tasks that do not set one.
const DefaultPriority = 5

// Task is a user-defined recurring unit of work. Tasks are owned by the
// control plane; the scheduler and workers read them by id.
type Task struct {
	ID           string
	Active       bool
	Priority     int
	ScheduleKind ScheduleKind
	ScheduleExpr string
	Timezone     string // IANA zone name, e.g. "Europe/Chisinau"
	Pipeline     Pipeline
	Params       map[string]any
	MaxRetries   int // attempts = MaxRetries + 1
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Pipeline is an ordered sequence of steps executed sequentially with a
// shared context.
type Pipeline struct {
	Steps []Step `json:"steps"`
}

// Step is one unit of a pipeline. Unknown wire fields are ignored.
type Step struct {
	ID             string         `json:"id"`
	Uses           string         `json:"uses"`
	With           map[string]any `json:"with,omitempty"`
	SaveAs         string         `json:"save_as,omitempty"`
	If             string         `json:"if,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Validate checks the structural contract of a pipeline: non-empty step
// ids, unique within the pipeline, and a tool address per step.
func (p Pipeline) Validate() error {
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return InvalidPipelineError{Index: i, Reason: "step id is empty"}
		}
		if _, dup := seen[s.ID]; dup {
			return InvalidPipelineError{Index: i, Reason: "duplicate step id " + s.ID}
		}
		seen[s.ID] = struct{}{}
		if s.Uses == "" {
			return InvalidPipelineError{Index: i, Reason: "step " + s.ID + " has no tool address"}
		}
		if s.TimeoutSeconds < 0 {
			return InvalidPipelineError{Index: i, Reason: "step " + s.ID + " has negative timeout"}
		}
	}
	return nil
}
