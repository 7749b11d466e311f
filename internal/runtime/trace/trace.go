// Package trace implements lightweight span propagation across the bridge
// boundary. Spans are identified by ULIDs, carried on envelopes as traceId
// and parentSpanId, and exported to a Sink in batches. The export buffer is
// bounded and drops its oldest spans under pressure so tracing can never
// block or grow the host process unboundedly.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/internal/runtime/ids"
	"github.com/hostbridge/hostbridge/internal/runtime/logging"
)

// Span statuses recorded at end time.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Span is one timed unit of work inside a trace.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Start        time.Time
	End          time.Time
	Status       string
	Attributes   map[string]string
}

// Duration returns the span length, or zero if the span has not ended.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Inject returns the identifiers to stamp onto an outgoing envelope. The
// receiving side continues the trace with Propagator.Extract.
func (s *Span) Inject() (traceID, spanID string) {
	return s.TraceID, s.SpanID
}

// SetAttribute records a key/value pair on the span.
func (s *Span) SetAttribute(key, value string) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// Sink receives batches of completed spans. Export must tolerate being
// called from a background goroutine.
type Sink interface {
	Export(ctx context.Context, spans []Span) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, spans []Span) error

func (f SinkFunc) Export(ctx context.Context, spans []Span) error { return f(ctx, spans) }

// NewLogSink returns a sink that writes span summaries to the service logger.
// It is the default sink when no telemetry backend is configured.
func NewLogSink(logger logging.ServiceLogger) Sink {
	return SinkFunc(func(_ context.Context, spans []Span) error {
		for i := range spans {
			s := &spans[i]
			logger.Debug("span completed", logging.LogFields{
				"trace_id":    s.TraceID,
				"span_id":     s.SpanID,
				"parent_span": s.ParentSpanID,
				"name":        s.Name,
				"status":      s.Status,
				"duration_ms": float64(s.Duration()) / float64(time.Millisecond),
			})
		}
		return nil
	})
}

type ctxKey struct{}

// FromContext returns the active span, or nil if the context carries none.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(ctxKey{}).(*Span)
	return s
}

// ContextWithSpan returns a context carrying the span.
func ContextWithSpan(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Options tune the propagator's export behaviour.
type Options struct {
	// BufferSize bounds how many completed spans wait for export. When the
	// buffer is full the oldest span is dropped, never the newest.
	BufferSize int
	// BatchSize is the maximum number of spans handed to the sink at once.
	BatchSize int
	// FlushInterval is how often buffered spans are exported even when no
	// batch has filled up.
	FlushInterval time.Duration
}

// Propagator creates spans, threads trace context through envelopes, and
// exports completed spans to the sink.
type Propagator struct {
	sink   Sink
	logger logging.ServiceLogger

	mu      sync.Mutex
	buf     []Span
	head    int
	count   int
	dropped uint64

	batchSize     int
	flushInterval time.Duration

	flushNow chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPropagator starts a propagator exporting to sink. Close must be called
// to flush the remaining spans and stop the background exporter.
func NewPropagator(sink Sink, logger logging.ServiceLogger, opts Options) *Propagator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	p := &Propagator{
		sink:          sink,
		logger:        logger,
		buf:           make([]Span, opts.BufferSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		flushNow:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.exportLoop()
	return p
}

// StartSpan begins a span. If the context already carries a span, the new one
// joins its trace as a child; otherwise a fresh trace is started.
func (p *Propagator) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{
		SpanID: ids.CreateULID(),
		Name:   name,
		Start:  time.Now().UTC(),
		Status: StatusOK,
	}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		s.ParentSpanID = parent.SpanID
	} else {
		s.TraceID = ids.CreateULID()
	}
	return ContextWithSpan(ctx, s), s
}

// Extract begins a span continuing a trace received over the wire. An empty
// traceID starts a fresh trace, matching StartSpan.
func (p *Propagator) Extract(ctx context.Context, name, traceID, parentSpanID string) (context.Context, *Span) {
	if traceID == "" {
		return p.StartSpan(ctx, name)
	}
	s := &Span{
		TraceID:      traceID,
		SpanID:       ids.CreateULID(),
		ParentSpanID: parentSpanID,
		Name:         name,
		Start:        time.Now().UTC(),
		Status:       StatusOK,
	}
	return ContextWithSpan(ctx, s), s
}

// EndSpan stamps the end time and queues the span for export. Ending a span
// twice is a no-op.
func (p *Propagator) EndSpan(s *Span, err error) {
	if s == nil || !s.End.IsZero() {
		return
	}
	s.End = time.Now().UTC()
	if err != nil {
		s.Status = StatusError
		s.SetAttribute("error", err.Error())
	}
	p.enqueue(*s)
}

func (p *Propagator) enqueue(s Span) {
	p.mu.Lock()
	if p.count == len(p.buf) {
		// Full: drop the oldest span to make room.
		p.head = (p.head + 1) % len(p.buf)
		p.count--
		p.dropped++
	}
	p.buf[(p.head+p.count)%len(p.buf)] = s
	p.count++
	full := p.count >= p.batchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}
}

// Dropped reports how many spans were discarded because the buffer was full.
func (p *Propagator) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Propagator) exportLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.flushNow:
			p.flush()
		case <-p.done:
			p.flush()
			return
		}
	}
}

func (p *Propagator) flush() {
	for {
		batch := p.takeBatch()
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.sink.Export(ctx, batch)
		cancel()
		if err != nil {
			p.logger.Warn("span export failed", logging.LogFields{
				"error": err.Error(),
				"spans": len(batch),
			})
			return
		}
	}
}

func (p *Propagator) takeBatch() []Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.count
	if n > p.batchSize {
		n = p.batchSize
	}
	if n == 0 {
		return nil
	}
	batch := make([]Span, n)
	for i := 0; i < n; i++ {
		batch[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	p.head = (p.head + n) % len(p.buf)
	p.count -= n
	return batch
}

// Close flushes buffered spans and stops the exporter.
func (p *Propagator) Close() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
