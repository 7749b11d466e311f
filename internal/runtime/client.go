package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

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

// ClientDependencies holds the optional collaborators for a Client.
type ClientDependencies struct {
	// TransportBuilder overrides the registry lookup for the configured
	// transport. A Client talking to an in-process Bridge must share its
	// transport, so pass a builder returning the same publisher/subscriber.
	TransportBuilder transportpkg.Builder

	// TraceSink receives exported spans. Defaults to a log sink.
	TraceSink tracepkg.Sink
}

// Client is the caller side of the bridge: it publishes request envelopes on
// the request topic and joins responses and job events coming back on the
// response topic to their pending calls by correlation id.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber

	registry   *CorrelationRegistry
	propagator *tracepkg.Propagator

	eventMu   sync.RWMutex
	eventSubs map[int]func(*envelope.JobEvent)
	eventSeq  int

	cancelRead context.CancelFunc
	readDone   chan struct{}
	closeOnce  sync.Once
}

// NewClient constructs a Client, panicking on invalid input.
func NewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) *Client {
	c, err := TryNewClient(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return c
}

// TryNewClient is NewClient without the panic. The response subscription is
// live when it returns.
func TryNewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
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

	sink := deps.TraceSink
	if sink == nil {
		sink = tracepkg.NewLogSink(log)
	}

	c := &Client{
		Conf:       conf,
		Logger:     log,
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		registry:   NewCorrelationRegistry(),
		eventSubs:  make(map[int]func(*envelope.JobEvent)),
		readDone:   make(chan struct{}),
	}
	c.propagator = tracepkg.NewPropagator(sink, log, tracepkg.Options{
		BufferSize:    conf.TraceBufferSize,
		BatchSize:     conf.TraceBatchSize,
		FlushInterval: conf.TraceFlushInterval,
	})

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel

	messages, err := c.subscriber.Subscribe(readCtx, conf.ResponseTopic)
	if err != nil {
		cancel()
		c.propagator.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conf.ResponseTopic, err)
	}
	go c.readLoop(messages)

	return c, nil
}

// Call sends a request and blocks until the matching response arrives, the
// configured timeout elapses, or ctx is done. A status:"error" response is
// returned as a response, not as an error; errors signal that no response
// will ever come.
func (c *Client) Call(ctx context.Context, command string, payload any) (*envelope.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := c.propagator.StartSpan(ctx, "call:"+command)
	span.SetAttribute("command", command)

	resp, err := c.call(ctx, command, payload, span)
	c.propagator.EndSpan(span, err)
	return resp, err
}

func (c *Client) call(ctx context.Context, command string, payload any, span *tracepkg.Span) (*envelope.Response, error) {
	correlationID := idspkg.CreateULID()

	req, err := envelope.NewRequest(command, payload, correlationID)
	if err != nil {
		return nil, err
	}
	req.TraceID, req.ParentSpanID = span.Inject()
	span.SetAttribute("correlation_id", correlationID)

	ch, err := c.registry.Register(correlationID, c.Conf.RequestTimeout)
	if err != nil {
		return nil, err
	}

	if err := c.publish(ctx, req); err != nil {
		c.registry.Cancel(correlationID)
		return nil, err
	}

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Response, nil
	case <-ctx.Done():
		c.registry.Cancel(correlationID)
		return nil, ctx.Err()
	}
}

// Do is Call plus decoding: it unmarshals the response data into out and
// converts a status:"error" response into an error carrying its message.
func (c *Client) Do(ctx context.Context, command string, payload, out any) error {
	resp, err := c.Call(ctx, command, payload)
	if err != nil {
		return err
	}
	if resp.Status == envelope.StatusError {
		return fmt.Errorf("hostbridge: command %s failed: %s", command, resp.Message)
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	return jsoncodec.Unmarshal(resp.Data, out)
}

// Notify sends a request without waiting for any response. The envelope still
// carries a correlation id so the host can log and trace it.
func (c *Client) Notify(ctx context.Context, command string, payload any) error {
	ctx, span := c.propagator.StartSpan(ctx, "notify:"+command)
	defer c.propagator.EndSpan(span, nil)

	req, err := envelope.NewRequest(command, payload, idspkg.CreateULID())
	if err != nil {
		return err
	}
	req.TraceID, req.ParentSpanID = span.Inject()
	return c.publish(ctx, req)
}

// OnJobEvent registers a callback for job lifecycle events. It returns an
// unsubscribe function. Callbacks run on the read loop goroutine and must not
// block.
func (c *Client) OnJobEvent(fn func(*envelope.JobEvent)) func() {
	c.eventMu.Lock()
	c.eventSeq++
	id := c.eventSeq
	c.eventSubs[id] = fn
	c.eventMu.Unlock()

	return func() {
		c.eventMu.Lock()
		delete(c.eventSubs, id)
		c.eventMu.Unlock()
	}
}

// PendingCalls reports how many calls are waiting for a response.
func (c *Client) PendingCalls() int {
	return c.registry.PendingCount()
}

// Close stops the read loop and fails every pending call with ErrBridgeClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancelRead()
		c.registry.Drain(errspkg.ErrBridgeClosed)
		c.propagator.Close()
	})
	return nil
}

func (c *Client) publish(ctx context.Context, req *envelope.Request) error {
	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		return err
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyCorrelationID, req.CorrelationID,
		metadatapkg.KeyCommand, req.Type,
	))
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return c.publisher.Publish(c.Conf.RequestTopic, msg)
}

// readLoop consumes the response topic. Responses resolve pending calls;
// job events fan out to subscribers; anything else is logged and dropped.
// Arrival order is irrelevant: correlation ids do the matching.
func (c *Client) readLoop(messages <-chan *message.Message) {
	defer close(c.readDone)

	for msg := range messages {
		c.consume(msg)
		msg.Ack()
	}

	// Subscription gone: nobody will answer the in-flight calls.
	c.registry.Drain(errspkg.ErrTransportLost)
}

func (c *Client) consume(msg *message.Message) {
	if envelope.IsJobEvent(msg.Payload) {
		event, err := envelope.DecodeJobEvent(msg.Payload)
		if err != nil {
			c.Logger.Warn("Dropping malformed job event", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"error":        err.Error(),
			})
			return
		}
		c.eventMu.RLock()
		subs := make([]func(*envelope.JobEvent), 0, len(c.eventSubs))
		for _, fn := range c.eventSubs {
			subs = append(subs, fn)
		}
		c.eventMu.RUnlock()
		for _, fn := range subs {
			fn(event)
		}
		return
	}

	resp, err := envelope.DecodeResponse(msg.Payload)
	if err != nil {
		c.Logger.Warn("Dropping malformed response", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"error":        err.Error(),
		})
		return
	}

	if !c.registry.Resolve(resp) {
		c.Logger.Debug("Dropping unmatched response", loggingpkg.LogFields{
			"correlation_id": resp.CorrelationID,
		})
	}
}
