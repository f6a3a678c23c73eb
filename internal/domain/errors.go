package domain

import (
	"errors"
	"fmt"
)

// Domain errors returned by repository implementations.

var (
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLeaseLost indicates the caller no longer holds the lease on a
	// due-work row (expired or taken over by another worker).
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrInvalidSchedule indicates the schedule expression cannot be
	// parsed for its declared kind.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// InvalidPipelineError reports a structural problem in a pipeline
// definition. It fails the occurrence immediately with no retries.
type InvalidPipelineError struct {
	Index  int
	Reason string
}

func (e InvalidPipelineError) Error() string {
	return fmt.Sprintf("invalid pipeline at step %d: %s", e.Index, e.Reason)
}
