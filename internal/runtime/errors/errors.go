// Package errors defines the error taxonomy shared across the hostbridge
// runtime. Callers match against the sentinels with errors.Is; handler
// failures are wrapped in HandlerFault so the originating command survives
// the trip back over the bridge.
package errors

import (
	"fmt"
	"strings"

	sterrors "errors"
)

var (
	// ErrMalformedEnvelope reports a message that could not be decoded into a
	// request or response envelope. No correlation id can be trusted, so the
	// message is logged and dropped rather than answered.
	ErrMalformedEnvelope = sterrors.New("hostbridge: malformed envelope")

	// ErrInvalidCorrelationID reports a syntactically valid envelope whose
	// correlation id is empty or whitespace.
	ErrInvalidCorrelationID = sterrors.New("hostbridge: invalid correlation id")

	// ErrDuplicateCorrelationID reports an attempt to register a pending
	// request while another with the same id is still in flight.
	ErrDuplicateCorrelationID = sterrors.New("hostbridge: duplicate correlation id")

	// ErrUnknownCommand reports a dispatch against a command name with no
	// registered handler. It maps to a status:"error" response, never to a
	// transport failure.
	ErrUnknownCommand = sterrors.New("hostbridge: unknown command")

	// ErrRequestTimeout rejects a pending call whose deadline elapsed before
	// a response arrived.
	ErrRequestTimeout = sterrors.New("hostbridge: request timeout")

	// ErrTransportLost drains every pending call when the underlying duplex
	// channel is gone.
	ErrTransportLost = sterrors.New("hostbridge: transport lost")

	// ErrBridgeClosed rejects new and pending work after shutdown.
	ErrBridgeClosed = sterrors.New("hostbridge: bridge closed")

	// ErrJobCancelled marks a job that terminated through its cancellation
	// token rather than by finishing its work.
	ErrJobCancelled = sterrors.New("hostbridge: job cancelled")

	// ErrUnknownJob reports a cancel or status request for a job id the
	// runner has never seen.
	ErrUnknownJob = sterrors.New("hostbridge: unknown job")

	// ErrJobQueueFull rejects a submission when the pending-job queue is at
	// capacity. The caller gets an error response instead of blocking.
	ErrJobQueueFull = sterrors.New("hostbridge: job queue full")

	// ErrResetUnsupported reports a context-reset request against an executor
	// that cannot discard its state.
	ErrResetUnsupported = sterrors.New("hostbridge: executor does not support context reset")

	ErrBridgeRequired      = sterrors.New("hostbridge: bridge is required")
	ErrHandlerRequired     = sterrors.New("hostbridge: handler is required")
	ErrCommandNameRequired = sterrors.New("hostbridge: command name is required")
	ErrHandlerExists       = sterrors.New("hostbridge: handler already registered")
	ErrTransportRequired   = sterrors.New("hostbridge: transport is required")
	ErrConfigRequired      = sterrors.New("hostbridge: config is required")
	ErrLoggerRequired      = sterrors.New("hostbridge: logger is required")
	ErrExecutorRequired    = sterrors.New("hostbridge: executor is required")
)

// HandlerFault wraps any error or recovered panic raised inside a command
// handler. The fault never escapes the dispatch pipeline as a panic; it is
// converted into a status:"error" response for the originating correlation id.
type HandlerFault struct {
	Command string
	Err     error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("hostbridge: handler fault in command %q: %v", f.Command, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// NewHandlerFault wraps err as a fault raised by the named command.
func NewHandlerFault(command string, err error) *HandlerFault {
	return &HandlerFault{Command: command, Err: err}
}

// UnknownCommand builds the dispatch error for an unregistered command name.
// The name is embedded so the caller-facing message identifies the command.
func UnknownCommand(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// ConfigValidationError aggregates the individual findings from Config.Validate.
type ConfigValidationError struct {
	Issues []error
}

func (e *ConfigValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Error())
	}
	return "hostbridge: invalid config: " + strings.Join(msgs, "; ")
}

func (e *ConfigValidationError) Unwrap() []error { return e.Issues }
