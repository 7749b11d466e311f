package runtime

import (
	"context"
	"encoding/json"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
)

// CommandContext exposes the decoded payload and envelope to typed handlers.
type CommandContext[T any] struct {
	Payload T
	Request *envelope.Request
	Logger  loggingpkg.ServiceLogger
}

// JSONCommandHandler processes a typed payload and returns the response data.
type JSONCommandHandler[T any, O any] func(ctx context.Context, cmd CommandContext[T]) (O, error)

// JSONJobHandler is the job-mode equivalent: it may report progress while it
// works and its return value becomes the final response data.
type JSONJobHandler[T any, O any] func(ctx context.Context, cmd CommandContext[T], progress func(envelope.Progress)) (O, error)

// RegisterJSONCommand registers a sync command whose payload unmarshals into
// T and whose result O marshals into the response data.
func RegisterJSONCommand[T any, O any](b *Bridge, name string, handler JSONCommandHandler[T, O]) error {
	if b == nil {
		return errspkg.ErrBridgeRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	return b.RegisterCommand(name, HandlerFunc(func(ctx context.Context, req *envelope.Request) (json.RawMessage, error) {
		cmd, err := decodeCommandContext[T](b, req)
		if err != nil {
			return nil, err
		}
		out, err := handler(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return jsoncodec.Marshal(out)
	}))
}

// RegisterJSONJob registers a job-mode command with a typed payload. The
// runner feeds the progress callback through to the handler.
func RegisterJSONJob[T any, O any](b *Bridge, name string, handler JSONJobHandler[T, O]) error {
	if b == nil {
		return errspkg.ErrBridgeRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}

	return b.RegisterCommand(name, NewJobHandler(func(ctx context.Context, req *envelope.Request, progress func(envelope.Progress)) (json.RawMessage, error) {
		cmd, err := decodeCommandContext[T](b, req)
		if err != nil {
			return nil, err
		}
		out, err := handler(ctx, cmd, progress)
		if err != nil {
			return nil, err
		}
		return jsoncodec.Marshal(out)
	}))
}

// RegisterScriptCommand routes a command into the bridge's sandbox executor.
// Long-running scripts should use job mode so they stay cancellable.
func RegisterScriptCommand(b *Bridge, name string, mode Mode) error {
	if b == nil {
		return errspkg.ErrBridgeRequired
	}
	if b.executor == nil {
		return errspkg.ErrExecutorRequired
	}

	if mode == ModeJob {
		return b.RegisterCommand(name, NewScriptJobHandler(b.executor))
	}
	return b.RegisterCommand(name, NewScriptHandler(b.executor))
}

func decodeCommandContext[T any](b *Bridge, req *envelope.Request) (CommandContext[T], error) {
	var payload T
	if len(req.Payload) > 0 {
		if err := jsoncodec.Unmarshal(req.Payload, &payload); err != nil {
			return CommandContext[T]{}, errspkg.NewHandlerFault(req.Type, err)
		}
	}
	return CommandContext[T]{
		Payload: payload,
		Request: req,
		Logger:  b.Logger,
	}, nil
}
