package runtime

import (
	"context"
	"encoding/json"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
)

// Built-in command names. They are registered on every bridge and follow the
// same dispatch path as user commands, so callers cancel and inspect jobs
// with ordinary requests.
const (
	CommandJobCancel    = "JOB_CANCEL"
	CommandJobStatus    = "JOB_STATUS"
	CommandListCommands = "LIST_COMMANDS"
	CommandResetContext = "RESET_CONTEXT"
)

type jobRef struct {
	JobID string `json:"jobId"`
}

func (b *Bridge) registerBuiltinCommands() {
	// Registration cannot fail here: the table is empty and the names are
	// non-empty constants.
	_ = b.RegisterCommand(CommandJobCancel, HandlerFunc(b.handleJobCancel))
	_ = b.RegisterCommand(CommandJobStatus, HandlerFunc(b.handleJobStatus))
	_ = b.RegisterCommand(CommandListCommands, HandlerFunc(b.handleListCommands))
	if b.executor != nil {
		_ = b.RegisterCommand(CommandResetContext, HandlerFunc(b.handleResetContext))
	}
}

func (b *Bridge) handleJobCancel(_ context.Context, req *envelope.Request) (json.RawMessage, error) {
	var ref jobRef
	if err := jsoncodec.Unmarshal(req.Payload, &ref); err != nil {
		return nil, err
	}
	// Cancelling a finished job is a no-op; the returned snapshot tells the
	// caller which terminal state the job reached.
	status, err := b.jobs.Cancel(ref.JobID)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(status)
}

func (b *Bridge) handleJobStatus(_ context.Context, req *envelope.Request) (json.RawMessage, error) {
	var ref jobRef
	if err := jsoncodec.Unmarshal(req.Payload, &ref); err != nil {
		return nil, err
	}

	if ref.JobID == "" {
		return jsoncodec.Marshal(map[string]any{"jobs": b.jobs.Jobs()})
	}

	status, err := b.jobs.Status(ref.JobID)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(status)
}

func (b *Bridge) handleListCommands(_ context.Context, _ *envelope.Request) (json.RawMessage, error) {
	return jsoncodec.Marshal(map[string]any{"commands": b.dispatch.Names()})
}

func (b *Bridge) handleResetContext(ctx context.Context, _ *envelope.Request) (json.RawMessage, error) {
	resetter, ok := b.executor.(ContextResetter)
	if !ok {
		return nil, errspkg.ErrResetUnsupported
	}
	if err := resetter.ResetExecutionContext(ctx); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(map[string]string{"result": "context_reset"})
}
