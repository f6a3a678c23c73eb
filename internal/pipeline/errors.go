package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// === Failure taxonomy ===
//
// The executor never retries; it surfaces typed errors and the worker's
// attempt loop decides. Only errors reporting IsRetryable true are worth
// another attempt.

// TemplateError indicates a malformed template or condition expression.
// It is never retryable: the same pipeline input will fail the same way.
type TemplateError struct {
	Expr string
	Err  error
}

func (e TemplateError) Error() string {
	return fmt.Sprintf("template expression %q: %v", e.Expr, e.Err)
}

func (e TemplateError) Unwrap() error { return e.Err }

// IsTemplateError returns true if the error is a template failure.
func IsTemplateError(err error) bool {
	var te TemplateError
	return errors.As(err, &te)
}

// ToolError is surfaced by a Tool Invoker. Retryable marks transient
// failures (network, rate limits); validation and auth failures must be
// reported with Retryable false.
type ToolError struct {
	Address   string
	Retryable bool
	Err       error
}

func (e ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Address, e.Err)
}

func (e ToolError) Unwrap() error { return e.Err }

// ValidationError indicates step input or output failed a schema check
// declared by the tool. Never retryable.
type ValidationError struct {
	Address string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation for tool %s: %v", e.Address, e.Err)
}

func (e ValidationError) Unwrap() error { return e.Err }

// TimeoutError indicates a step exceeded its effective timeout. Retryable.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v", e.StepID, e.Timeout)
}

// IsRetryable reports whether the worker should attempt the occurrence
// again: transient tool failures and timeouts qualify, everything else is
// permanent.
func IsRetryable(err error) bool {
	var toolErr ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	var timeoutErr TimeoutError
	return errors.As(err, &timeoutErr)
}
