package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	configpkg "github.com/hostbridge/hostbridge/internal/runtime/config"
	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	idspkg "github.com/hostbridge/hostbridge/internal/runtime/ids"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
	metadatapkg "github.com/hostbridge/hostbridge/internal/runtime/metadata"
	tracepkg "github.com/hostbridge/hostbridge/internal/runtime/trace"
	transportpkg "github.com/hostbridge/hostbridge/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const dispatchHandlerName = "hostbridge_dispatch"

// Dependencies holds the optional collaborators that the Bridge can use.
// Leave fields nil to use the defaults.
type Dependencies struct {
	// Executor runs script-backed commands inside the host sandbox. It is
	// wrapped in a GuardedExecutor honouring Config.SandboxSlots.
	Executor Executor

	// Hooks observe job lifecycle transitions.
	Hooks JobHooks

	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips registering the default chain when true.
	DisableDefaultMiddlewares bool

	// TransportBuilder overrides the registry lookup for the configured
	// transport. Used mostly by tests.
	TransportBuilder transportpkg.Builder

	// TraceSink receives exported spans. Defaults to a log sink.
	TraceSink tracepkg.Sink
}

// Bridge is the host side of the message bridge: it receives request
// envelopes on the request topic, dispatches them to registered command
// handlers, and publishes responses and job events on the response topic.
type Bridge struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	dispatch   *DispatchTable
	jobs       *JobRunner
	propagator *tracepkg.Propagator
	executor   Executor

	commands   map[string]*CommandInfo
	commandsMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
}

// NewBridge constructs a Bridge for the supplied configuration, panicking on
// invalid input. Register commands on the returned Bridge before calling Start.
func NewBridge(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) *Bridge {
	b, err := TryNewBridge(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// TryNewBridge is NewBridge without the panic.
func TryNewBridge(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Bridge, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	normalized := conf.WithDefaults()
	if err := normalized.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conf = &normalized

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating bridge", loggingpkg.LogFields{
		"transport":      conf.Transport,
		"request_topic":  conf.RequestTopic,
		"response_topic": conf.ResponseTopic,
	})

	b := &Bridge{
		Conf:     conf,
		Logger:   log,
		dispatch: NewDispatchTable(conf.HandlerOverwrite, log),
		commands: make(map[string]*CommandInfo),
	}

	builder := deps.TransportBuilder
	if builder == nil {
		builder = transportpkg.Build
	}
	tr, err := builder(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		return nil, errspkg.ErrTransportRequired
	}
	b.publisher = tr.Publisher
	b.subscriber = tr.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	b.router = router
	b.router.AddPlugin(plugin.SignalsHandler)

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	if deps.Executor != nil {
		guarded, err := NewGuardedExecutor(deps.Executor, conf.SandboxSlots)
		if err != nil {
			return nil, err
		}
		b.executor = guarded
	}

	sink := deps.TraceSink
	if sink == nil {
		sink = tracepkg.NewLogSink(log)
	}
	b.propagator = tracepkg.NewPropagator(sink, log, tracepkg.Options{
		BufferSize:    conf.TraceBufferSize,
		BatchSize:     conf.TraceBatchSize,
		FlushInterval: conf.TraceFlushInterval,
	})

	b.jobs = NewJobRunner(ctx, JobRunnerConfig{
		Workers:   conf.JobWorkers,
		QueueSize: conf.JobQueueSize,
	}, b, log, deps.Hooks)

	b.router.AddNoPublisherHandler(
		dispatchHandlerName,
		conf.RequestTopic,
		b.subscriber,
		b.handleMessage,
	)

	b.registerBuiltinCommands()

	return b, nil
}

// Start runs the bridge until the provided context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.startHTTPServers()
	return routerRun(b.router, ctx)
}

// Running returns a channel that closes once the router is up. Useful in
// tests to avoid publishing before the subscription exists.
func (b *Bridge) Running() chan struct{} {
	return b.router.Running()
}

// Close shuts the bridge down: the job runner drains, remaining spans flush,
// and the transport is closed.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.jobs.Close()
		b.propagator.Close()
		err = b.router.Close()
	})
	return err
}

func (b *Bridge) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterCommand binds a handler to a command name, subject to the
// configured overwrite policy.
func (b *Bridge) RegisterCommand(name string, h Handler) error {
	if err := b.dispatch.Register(name, h); err != nil {
		return err
	}

	b.commandsMu.Lock()
	b.commands[name] = &CommandInfo{Name: name, Mode: h.Mode(), Stats: newCommandStats()}
	b.commandsMu.Unlock()
	return nil
}

// Commands returns information about every registered command.
func (b *Bridge) Commands() []CommandInfo {
	b.commandsMu.RLock()
	defer b.commandsMu.RUnlock()

	out := make([]CommandInfo, 0, len(b.commands))
	for _, info := range b.commands {
		out = append(out, *info)
	}
	return out
}

// Executor returns the guarded sandbox executor, or nil when none is configured.
func (b *Bridge) Executor() Executor {
	return b.executor
}

// Jobs exposes the job runner for status queries.
func (b *Bridge) Jobs() *JobRunner {
	return b.jobs
}

// handleMessage is the router handler for the request topic. It never returns
// an error for application failures: those become error responses so the
// transport does not redeliver them.
func (b *Bridge) handleMessage(msg *message.Message) error {
	req, err := envelope.DecodeRequest(msg.Payload)
	if err != nil {
		// No trustworthy correlation id, so there is nothing to answer.
		b.Logger.Warn("Dropping malformed request", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return nil
	}

	ctx := msg.Context()
	ctx, span := b.propagator.Extract(ctx, "dispatch:"+req.Type, req.TraceID, req.ParentSpanID)
	span.SetAttribute("command", req.Type)
	span.SetAttribute("correlation_id", req.CorrelationID)

	handler, err := b.dispatch.Lookup(req.Type)
	if err != nil {
		b.propagator.EndSpan(span, err)
		return b.EmitResponse(ctx, b.stampTrace(envelope.Error(req.CorrelationID, err.Error()), span))
	}

	switch handler.Mode() {
	case ModeJob:
		jobFn := b.jobFuncOf(handler)
		_, err := b.jobs.Submit(req, jobFn)
		b.recordStats(req.Type, 0, err)
		if err != nil {
			b.propagator.EndSpan(span, err)
			return b.EmitResponse(ctx, b.stampTrace(envelope.Error(req.CorrelationID, err.Error()), span))
		}
		// The runner answers when the job finishes.
		b.propagator.EndSpan(span, nil)
		return nil

	default:
		start := time.Now()
		data, err := b.runSync(ctx, handler, req)
		if err == nil && len(data) > 0 && !jsoncodec.Valid(data) {
			// Broken handler output must not corrupt the response envelope.
			err = errspkg.NewHandlerFault(req.Type, fmt.Errorf("handler returned invalid JSON"))
		}
		duration := time.Since(start)
		b.recordStats(req.Type, duration, err)
		b.propagator.EndSpan(span, err)

		var resp *envelope.Response
		if err != nil {
			resp = envelope.Error(req.CorrelationID, err.Error())
		} else {
			resp = &envelope.Response{
				Status:        envelope.StatusSuccess,
				Data:          data,
				CorrelationID: req.CorrelationID,
			}
		}
		resp.DurationMs = float64(duration) / float64(time.Millisecond)
		return b.EmitResponse(ctx, b.stampTrace(resp, span))
	}
}

// runSync executes a sync handler, converting panics into handler faults.
func (b *Bridge) runSync(ctx context.Context, handler Handler, req *envelope.Request) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errspkg.NewHandlerFault(req.Type, fmt.Errorf("panic: %v", rec))
		}
	}()
	return handler.Handle(ctx, req)
}

// jobFuncOf unwraps the job body so the runner can feed the real progress
// callback; other handler kinds run with a no-op progress function.
func (b *Bridge) jobFuncOf(handler Handler) JobFunc {
	if jh, ok := handler.(*jobHandler); ok {
		return jh.run
	}
	return func(ctx context.Context, req *envelope.Request, _ func(envelope.Progress)) (json.RawMessage, error) {
		return handler.Handle(ctx, req)
	}
}

func (b *Bridge) stampTrace(resp *envelope.Response, span *tracepkg.Span) *envelope.Response {
	resp.TraceID, resp.SpanID = span.Inject()
	return resp
}

func (b *Bridge) recordStats(command string, duration time.Duration, err error) {
	b.commandsMu.RLock()
	info, ok := b.commands[command]
	b.commandsMu.RUnlock()
	if ok {
		info.Stats.record(duration, err)
	}
}

// EmitResponse publishes a response envelope on the response topic.
func (b *Bridge) EmitResponse(ctx context.Context, resp *envelope.Response) error {
	payload, err := envelope.EncodeResponse(resp)
	if err != nil {
		return err
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyCorrelationID, resp.CorrelationID,
		metadatapkg.KeySource, "hostbridge",
	))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return b.publisher.Publish(b.Conf.ResponseTopic, msg)
}

// EmitEvent publishes a job lifecycle event on the response topic.
func (b *Bridge) EmitEvent(ctx context.Context, event *envelope.JobEvent) error {
	payload, err := envelope.EncodeJobEvent(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyCorrelationID, event.CorrelationID,
		metadatapkg.KeySource, "hostbridge",
	))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return b.publisher.Publish(b.Conf.ResponseTopic, msg)
}

func (b *Bridge) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bridge) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		addr := fmt.Sprintf(":%d", port)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
