package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rezkam/tempo/internal/domain"
)

// DefaultStepTimeout applies when a step does not set timeout_seconds.
const DefaultStepTimeout = 30 * time.Second

// TaskMeta carries the task-level inputs of one execution.
type TaskMeta struct {
	TaskID string
	Params map[string]any
}

// Executor runs pipelines step by step. It is stateless and pure with
// respect to the context it builds: its only side effects are Tool
// Invoker calls. Retry is the worker's responsibility, never the
// executor's.
type Executor struct {
	invoker        ToolInvoker
	defaultTimeout time.Duration
	now            func() time.Time
}

// Option is a functional option for configuring Executor.
type Option func(*Executor)

// WithDefaultTimeout overrides the per-step timeout applied when a step
// does not set its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.defaultTimeout = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor backed by the given invoker.
func NewExecutor(invoker ToolInvoker, opts ...Option) *Executor {
	e := &Executor{
		invoker:        invoker,
		defaultTimeout: DefaultStepTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs the pipeline in order against a fresh context of the shape
// {now, params, steps, _meta}. Steps are strictly sequential; the first
// failure aborts the pipeline. The returned context is always populated,
// with _meta recording the outcome, alongside any error.
func (e *Executor) Execute(ctx context.Context, p domain.Pipeline, meta TaskMeta) (map[string]any, error) {
	params := meta.Params
	if params == nil {
		params = map[string]any{}
	}

	started := e.now()
	execCtx := map[string]any{
		"now":    started.UTC().Format(time.RFC3339),
		"params": params,
		"steps":  map[string]any{},
	}

	if err := p.Validate(); err != nil {
		e.finish(execCtx, started, len(p.Steps), 0, 0, 0, err)
		return execCtx, err
	}

	stepResults := execCtx["steps"].(map[string]any)
	run, skipped := 0, 0

	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			e.finish(execCtx, started, len(p.Steps), run, skipped, i, err)
			return execCtx, err
		}

		if step.If != "" {
			ok, err := EvalCondition(step.If, execCtx)
			if err != nil {
				e.finish(execCtx, started, len(p.Steps), run, skipped, i, err)
				return execCtx, err
			}
			if !ok {
				skipped++
				continue
			}
		}

		input, err := e.renderInput(step.With, execCtx)
		if err != nil {
			e.finish(execCtx, started, len(p.Steps), run, skipped, i, err)
			return execCtx, err
		}

		output, err := e.invokeStep(ctx, step, input)
		if err != nil {
			e.finish(execCtx, started, len(p.Steps), run, skipped, i, err)
			return execCtx, err
		}
		run++

		if step.SaveAs != "" {
			stepResults[step.SaveAs] = anyMap(output)
		}
	}

	e.finish(execCtx, started, len(p.Steps), run, skipped, -1, nil)
	return execCtx, nil
}

// renderInput produces the concrete tool input for one step. Values that
// are structurally maps or lists stay native through the recursion; only
// strings go through ${} substitution.
func (e *Executor) renderInput(with map[string]any, execCtx map[string]any) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	rendered, err := Render(with, execCtx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

func (e *Executor) invokeStep(ctx context.Context, step domain.Step, input map[string]any) (map[string]any, error) {
	timeout := e.defaultTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.invoker.Invoke(stepCtx, step.Uses, input)
	if err != nil {
		// Deadline expiry on the step context is a timeout regardless
		// of how the invoker reported it.
		if errors.Is(err, context.DeadlineExceeded) && stepCtx.Err() != nil && ctx.Err() == nil {
			return nil, TimeoutError{StepID: step.ID, Timeout: timeout}
		}
		return nil, err
	}
	return output, nil
}

// finish writes the execution summary into _meta.
func (e *Executor) finish(execCtx map[string]any, started time.Time, total, run, skipped, failedIndex int, err error) {
	meta := map[string]any{
		"success":           err == nil,
		"steps_total":       total,
		"steps_run":         run,
		"steps_skipped":     skipped,
		"failed_step_index": failedIndex,
		"duration_ms":       e.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		meta["error"] = err.Error()
	}
	execCtx["_meta"] = meta
}

// anyMap widens a tool output so step results and params render through
// the same structural path.
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
