package runtime

import (
	"context"
	"encoding/json"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
)

// WorkUnit is one piece of work handed to the embedded scripting sandbox.
type WorkUnit struct {
	Command       string
	CorrelationID string
	Payload       json.RawMessage
}

// Executor runs work units inside the host's scripting sandbox. The sandbox
// runtime is typically thread-confined, so implementations are not required
// to be safe for concurrent use; wrap them in a GuardedExecutor instead.
type Executor interface {
	Execute(ctx context.Context, unit WorkUnit) (json.RawMessage, error)
}

// ContextResetter is implemented by executors that can discard all sandbox
// state and start over from a clean slate, e.g. by tearing down and
// recreating the embedded runtime.
type ContextResetter interface {
	ResetExecutionContext(ctx context.Context) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, unit WorkUnit) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, unit WorkUnit) (json.RawMessage, error) {
	return f(ctx, unit)
}

// GuardedExecutor serialises sandbox entry through a fixed number of slots.
// With one slot (the default) the sandbox behaves like a single-threaded
// runtime; callers queue in ctx-aware fashion rather than blocking forever.
type GuardedExecutor struct {
	inner Executor
	slots chan struct{}
}

// NewGuardedExecutor wraps an executor with a slot semaphore. Slots below 1
// are treated as 1.
func NewGuardedExecutor(inner Executor, slots int) (*GuardedExecutor, error) {
	if inner == nil {
		return nil, errspkg.ErrExecutorRequired
	}
	if slots < 1 {
		slots = 1
	}
	return &GuardedExecutor{
		inner: inner,
		slots: make(chan struct{}, slots),
	}, nil
}

// Execute acquires a sandbox slot, runs the unit, and releases the slot. If
// the context ends while waiting for a slot the work never starts.
func (g *GuardedExecutor) Execute(ctx context.Context, unit WorkUnit) (json.RawMessage, error) {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.slots }()

	return g.inner.Execute(ctx, unit)
}

// ResetExecutionContext asks the wrapped executor for a clean-slate reset,
// holding a sandbox slot so the reset cannot overlap running work. Executors
// that do not implement ContextResetter fail with ErrResetUnsupported.
func (g *GuardedExecutor) ResetExecutionContext(ctx context.Context) error {
	resetter, ok := g.inner.(ContextResetter)
	if !ok {
		return errspkg.ErrResetUnsupported
	}

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	return resetter.ResetExecutionContext(ctx)
}

// NewScriptHandler exposes a sandbox executor as a sync command handler, so
// script-backed commands go through the same dispatch path as native ones.
func NewScriptHandler(exec Executor) Handler {
	return HandlerFunc(func(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
		if exec == nil {
			return nil, errspkg.ErrExecutorRequired
		}
		return exec.Execute(ctx, WorkUnit{
			Command:       req.Type,
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
		})
	})
}

// NewScriptJobHandler exposes a sandbox executor as a job-mode handler for
// long-running scripts. Progress reporting is up to the executor; the job
// runner still emits the lifecycle events.
func NewScriptJobHandler(exec Executor) Handler {
	return NewJobHandler(func(ctx context.Context, req *envelope.Request, _ func(envelope.Progress)) (json.RawMessage, error) {
		if exec == nil {
			return nil, errspkg.ErrExecutorRequired
		}
		return exec.Execute(ctx, WorkUnit{
			Command:       req.Type,
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
		})
	})
}
