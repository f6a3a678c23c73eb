package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ToolInvoker is the opaque interface by which the executor reaches
// external tools. The step timeout arrives as the context deadline; the
// invoker is responsible for transport and any schema validation, and
// must surface failures as ToolError or ValidationError so the worker can
// classify them.
type ToolInvoker interface {
	Invoke(ctx context.Context, address string, input map[string]any) (map[string]any, error)
}

// ToolFunc is an in-process tool implementation.
type ToolFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// RegistryInvoker dispatches tool addresses to registered Go functions.
// It is the implementation used by tests and simulated runs; production
// deployments plug their own transport behind ToolInvoker.
type RegistryInvoker struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewRegistryInvoker returns an empty registry.
func NewRegistryInvoker() *RegistryInvoker {
	return &RegistryInvoker{tools: make(map[string]ToolFunc)}
}

// Register binds an address to a tool function, replacing any previous
// binding.
func (r *RegistryInvoker) Register(address string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[address] = fn
}

// Invoke runs the registered tool. The call observes the context even if
// the tool itself does not: on deadline or cancellation the context error
// is returned and the tool's result is discarded.
func (r *RegistryInvoker) Invoke(ctx context.Context, address string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.tools[address]
	r.mu.RUnlock()
	if !ok {
		return nil, ToolError{Address: address, Retryable: false, Err: errors.New("unknown tool address")}
	}

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		// A panicking tool must not take the worker process down; it
		// fails the step permanently instead.
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: ToolError{
					Address: address,
					Err:     fmt.Errorf("tool panicked: %v", r),
				}}
			}
		}()
		out, err := fn(ctx, input)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.out, res.err
	}
}
