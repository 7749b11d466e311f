package runtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/hostbridge/hostbridge/internal/runtime/config"
	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
)

// Mode distinguishes commands that answer inline from commands that run as
// background jobs and answer later.
type Mode string

const (
	ModeSync Mode = "sync"
	ModeJob  Mode = "job"
)

// Handler processes one command. Sync handlers return the response data
// directly; job handlers are executed by the job runner, which also feeds
// their progress callback.
type Handler interface {
	Mode() Mode
	Handle(ctx context.Context, req *envelope.Request) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to a sync Handler.
type HandlerFunc func(ctx context.Context, req *envelope.Request) (json.RawMessage, error)

func (f HandlerFunc) Mode() Mode { return ModeSync }
func (f HandlerFunc) Handle(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// JobFunc is the signature of a job-mode handler body. The progress callback
// may be called any number of times before the function returns; each call
// becomes a RUNNING event on the response topic.
type JobFunc func(ctx context.Context, req *envelope.Request, progress func(envelope.Progress)) (json.RawMessage, error)

type jobHandler struct {
	run JobFunc
}

func (h *jobHandler) Mode() Mode { return ModeJob }
func (h *jobHandler) Handle(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
	return h.run(ctx, req, func(envelope.Progress) {})
}

// NewJobHandler wraps a JobFunc as a job-mode Handler. When dispatched through
// a Bridge the progress callback publishes events; when called directly it is
// a no-op.
func NewJobHandler(run JobFunc) Handler {
	return &jobHandler{run: run}
}

// DispatchTable maps command names to handlers. Registration is guarded by
// the configured overwrite policy; lookups never mutate the table.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	policy   string
	logger   loggingpkg.ServiceLogger
}

// NewDispatchTable creates a table with the given duplicate-registration
// policy (config.OverwriteReject or config.OverwriteReplace).
func NewDispatchTable(policy string, logger loggingpkg.ServiceLogger) *DispatchTable {
	if policy == "" {
		policy = config.OverwriteReject
	}
	return &DispatchTable{
		handlers: make(map[string]Handler),
		policy:   policy,
		logger:   logger,
	}
}

// Register binds a handler to a command name. Under the reject policy a
// second registration for the same name fails with ErrHandlerExists; under
// the replace policy the last registration wins and the swap is logged as a
// warning.
func (t *DispatchTable) Register(name string, h Handler) error {
	if name == "" {
		return errspkg.ErrCommandNameRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handlers[name]; exists {
		if t.policy == config.OverwriteReject {
			return errspkg.NewHandlerFault(name, errspkg.ErrHandlerExists)
		}
		if t.logger != nil {
			t.logger.Warn("Replacing registered command handler", loggingpkg.LogFields{
				"command": name,
			})
		}
	}
	t.handlers[name] = h
	return nil
}

// Unregister removes a command. Removing an unknown name is a no-op.
func (t *DispatchTable) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, name)
}

// Lookup returns the handler for a command, or ErrUnknownCommand wrapped with
// the command name so callers can surface it in the error response.
func (t *DispatchTable) Lookup(name string) (Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.handlers[name]
	if !ok {
		return nil, errspkg.UnknownCommand(name)
	}
	return h, nil
}

// Has reports whether a command is registered.
func (t *DispatchTable) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[name]
	return ok
}

// Names returns the registered command names in sorted order.
func (t *DispatchTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
