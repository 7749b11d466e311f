package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/hostbridge/hostbridge/internal/runtime/config"
	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	loggingpkg "github.com/hostbridge/hostbridge/internal/runtime/logging"
	tracepkg "github.com/hostbridge/hostbridge/internal/runtime/trace"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// recordLogger captures warning and error messages for assertions.
type recordLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *recordLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }
func (l *recordLogger) Debug(string, loggingpkg.LogFields) {}
func (l *recordLogger) Info(string, loggingpkg.LogFields) {}

func (l *recordLogger) Warn(msg string, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}

func (l *recordLogger) Error(msg string, _ error, _ loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordLogger) loggedErrors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *recordLogger) loggedWarnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// capturePublisher records everything published, keyed by topic.
type capturePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{published: make(map[string][][]byte)}
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published[topic] = append(p.published[topic], msg.Payload)
	}
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) Payloads(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([][]byte, len(p.published[topic]))
	copy(clone, p.published[topic])
	return clone
}

// Responses decodes every response envelope published to the topic, skipping
// job events.
func (p *capturePublisher) Responses(t *testing.T, topic string) []*envelope.Response {
	t.Helper()
	var out []*envelope.Response
	for _, payload := range p.Payloads(topic) {
		if envelope.IsJobEvent(payload) {
			continue
		}
		resp, err := envelope.DecodeResponse(payload)
		if err != nil {
			t.Fatalf("published invalid response: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

// Events decodes every job event published to the topic.
func (p *capturePublisher) Events(t *testing.T, topic string) []*envelope.JobEvent {
	t.Helper()
	var out []*envelope.JobEvent
	for _, payload := range p.Payloads(topic) {
		if !envelope.IsJobEvent(payload) {
			continue
		}
		event, err := envelope.DecodeJobEvent(payload)
		if err != nil {
			t.Fatalf("published invalid job event: %v", err)
		}
		out = append(out, event)
	}
	return out
}

type testSubscriber struct{}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// newTestBridge wires a Bridge around a capture publisher without going
// through a real transport.
func newTestBridge(t *testing.T) (*Bridge, *capturePublisher) {
	t.Helper()
	log := newTestLogger()
	wmLogger := loggingpkg.NewWatermillAdapter(log)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}

	conf := configpkg.Config{}.WithDefaults()
	pub := newCapturePublisher()

	b := &Bridge{
		Conf:       &conf,
		Logger:     log,
		router:     router,
		publisher:  pub,
		subscriber: &testSubscriber{},
		dispatch:   NewDispatchTable(conf.HandlerOverwrite, log),
		commands:   make(map[string]*CommandInfo),
	}
	b.propagator = tracepkg.NewPropagator(
		tracepkg.NewLogSink(log), log, tracepkg.Options{FlushInterval: time.Hour},
	)
	b.jobs = NewJobRunner(context.Background(), JobRunnerConfig{Workers: 1, QueueSize: 8}, b, log, JobHooks{})
	b.registerBuiltinCommands()

	t.Cleanup(func() {
		b.jobs.Close()
		b.propagator.Close()
	})
	return b, pub
}

// requestMessage encodes a request envelope into a Watermill message.
func requestMessage(t *testing.T, req *envelope.Request) *message.Message {
	t.Helper()
	payload, err := envelope.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return message.NewMessage("test-"+req.CorrelationID, payload)
}
