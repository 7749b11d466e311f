package hostbridge

import (
	runtimepkg "github.com/hostbridge/hostbridge/internal/runtime"
	configpkg "github.com/hostbridge/hostbridge/internal/runtime/config"
	envelopepkg "github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	idspkg "github.com/hostbridge/hostbridge/internal/runtime/ids"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
	metadatapkg "github.com/hostbridge/hostbridge/internal/runtime/metadata"
	tracepkg "github.com/hostbridge/hostbridge/internal/runtime/trace"
	newtransport "github.com/hostbridge/hostbridge/transport"
)

type (
	Config = configpkg.Config

	Bridge             = runtimepkg.Bridge
	Dependencies       = runtimepkg.Dependencies
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies

	// Envelopes
	Request  = envelopepkg.Request
	Response = envelopepkg.Response
	JobEvent = envelopepkg.JobEvent
	Progress = envelopepkg.Progress

	// Dispatch
	Mode                             = runtimepkg.Mode
	Handler                          = runtimepkg.Handler
	HandlerFunc                      = runtimepkg.HandlerFunc
	JobFunc                          = runtimepkg.JobFunc
	DispatchTable                    = runtimepkg.DispatchTable
	CommandContext[T any]            = runtimepkg.CommandContext[T]
	JSONCommandHandler[T any, O any] = runtimepkg.JSONCommandHandler[T, O]
	JSONJobHandler[T any, O any]     = runtimepkg.JSONJobHandler[T, O]

	// Correlation
	CorrelationRegistry = runtimepkg.CorrelationRegistry
	CallResult          = runtimepkg.CallResult

	// Jobs
	JobRunner       = runtimepkg.JobRunner
	JobRunnerConfig = runtimepkg.JobRunnerConfig
	JobStatus       = runtimepkg.JobStatus
	JobContext      = runtimepkg.JobContext
	JobHooks        = runtimepkg.JobHooks

	// Sandbox
	Executor        = runtimepkg.Executor
	ExecutorFunc    = runtimepkg.ExecutorFunc
	ContextResetter = runtimepkg.ContextResetter
	GuardedExecutor = runtimepkg.GuardedExecutor
	WorkUnit        = runtimepkg.WorkUnit

	// Tracing
	Span          = tracepkg.Span
	TraceSink     = tracepkg.Sink
	TraceSinkFunc = tracepkg.SinkFunc
	Propagator    = tracepkg.Propagator

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerFault          = errspkg.HandlerFault
	ConfigValidationError = errspkg.ConfigValidationError

	CommandInfo  = runtimepkg.CommandInfo
	CommandStats = runtimepkg.CommandStats

	// Transport plumbing
	Transport             = newtransport.Transport
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

// Dispatch modes.
const (
	ModeSync = runtimepkg.ModeSync
	ModeJob  = runtimepkg.ModeJob
)

// Response statuses and job states as they appear on the wire.
const (
	StatusSuccess = envelopepkg.StatusSuccess
	StatusError   = envelopepkg.StatusError

	StatePending    = envelopepkg.StatePending
	StateRunning    = envelopepkg.StateRunning
	StateCancelling = envelopepkg.StateCancelling
	StateCompleted  = envelopepkg.StateCompleted
	StateFailed     = envelopepkg.StateFailed
	StateCancelled  = envelopepkg.StateCancelled
)

// Built-in commands registered on every bridge.
const (
	CommandJobCancel    = runtimepkg.CommandJobCancel
	CommandJobStatus    = runtimepkg.CommandJobStatus
	CommandListCommands = runtimepkg.CommandListCommands
	CommandResetContext = runtimepkg.CommandResetContext
)

var (
	NewBridge    = runtimepkg.NewBridge
	TryNewBridge = runtimepkg.TryNewBridge
	NewClient    = runtimepkg.NewClient
	TryNewClient = runtimepkg.TryNewClient

	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewJobHandler         = runtimepkg.NewJobHandler
	NewScriptHandler      = runtimepkg.NewScriptHandler
	NewScriptJobHandler   = runtimepkg.NewScriptJobHandler
	NewGuardedExecutor    = runtimepkg.NewGuardedExecutor
	RegisterScriptCommand = runtimepkg.RegisterScriptCommand

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Logging adapters
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	// Tracing
	NewPropagator = tracepkg.NewPropagator
	NewLogSink    = tracepkg.NewLogSink

	// Identifiers
	CreateULID = idspkg.CreateULID
	NewJobID   = idspkg.NewJobID
)

// Sentinel errors callers are expected to match with errors.Is.
var (
	ErrMalformedEnvelope      = errspkg.ErrMalformedEnvelope
	ErrInvalidCorrelationID   = errspkg.ErrInvalidCorrelationID
	ErrDuplicateCorrelationID = errspkg.ErrDuplicateCorrelationID
	ErrUnknownCommand         = errspkg.ErrUnknownCommand
	ErrRequestTimeout         = errspkg.ErrRequestTimeout
	ErrTransportLost          = errspkg.ErrTransportLost
	ErrBridgeClosed           = errspkg.ErrBridgeClosed
	ErrJobCancelled           = errspkg.ErrJobCancelled
	ErrUnknownJob             = errspkg.ErrUnknownJob
	ErrJobQueueFull           = errspkg.ErrJobQueueFull
	ErrResetUnsupported       = errspkg.ErrResetUnsupported
	ErrHandlerExists          = errspkg.ErrHandlerExists
)

// RegisterJSONCommand registers a sync command whose payload unmarshals into
// T and whose result O marshals into the response data.
func RegisterJSONCommand[T any, O any](b *Bridge, name string, handler JSONCommandHandler[T, O]) error {
	return runtimepkg.RegisterJSONCommand(b, name, handler)
}

// RegisterJSONJob registers a job-mode command with a typed payload.
func RegisterJSONJob[T any, O any](b *Bridge, name string, handler JSONJobHandler[T, O]) error {
	return runtimepkg.RegisterJSONJob(b, name, handler)
}
