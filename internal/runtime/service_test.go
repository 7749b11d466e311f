package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
)

func registerEcho(t *testing.T, b *Bridge) {
	t.Helper()
	err := b.RegisterCommand("ECHO", HandlerFunc(func(_ context.Context, req *envelope.Request) (json.RawMessage, error) {
		return jsoncodec.Marshal(map[string]json.RawMessage{"echo_response": req.Payload})
	}))
	if err != nil {
		t.Fatalf("RegisterCommand(ECHO) error = %v", err)
	}
}

func TestBridgeEchoRoundTrip(t *testing.T) {
	b, pub := newTestBridge(t)
	registerEcho(t, b)

	req := &envelope.Request{
		Type:          "ECHO",
		Payload:       json.RawMessage(`{"text":"hello"}`),
		CorrelationID: "corr-echo",
		TraceID:       "trace-1",
		ParentSpanID:  "span-0",
	}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}
	resp := responses[0]

	if resp.Status != envelope.StatusSuccess {
		t.Errorf("Status = %q, want success", resp.Status)
	}
	if resp.CorrelationID != "corr-echo" {
		t.Errorf("CorrelationID = %q, want corr-echo", resp.CorrelationID)
	}
	if resp.TraceID != "trace-1" {
		t.Errorf("TraceID = %q, want the caller's trace continued", resp.TraceID)
	}

	var data struct {
		EchoResponse struct {
			Text string `json:"text"`
		} `json:"echo_response"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.EchoResponse.Text != "hello" {
		t.Errorf("echo_response.text = %q, want hello", data.EchoResponse.Text)
	}
}

func TestBridgeUnknownCommand(t *testing.T) {
	b, pub := newTestBridge(t)

	req := &envelope.Request{
		Type:          "NOT_REGISTERED",
		Payload:       json.RawMessage(`{}`),
		CorrelationID: "corr-unknown",
	}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}
	resp := responses[0]

	if resp.Status != envelope.StatusError {
		t.Errorf("Status = %q, want error", resp.Status)
	}
	if !strings.Contains(resp.Message, "NOT_REGISTERED") {
		t.Errorf("Message = %q, should name the unknown command", resp.Message)
	}
	if resp.CorrelationID != "corr-unknown" {
		t.Errorf("CorrelationID = %q, want corr-unknown", resp.CorrelationID)
	}
}

func TestBridgeDropsMalformedRequests(t *testing.T) {
	b, pub := newTestBridge(t)
	registerEcho(t, b)

	for _, payload := range []string{`{{{`, `{"payload":{}}`, `{"type":"ECHO","payload":{},"correlationId":"  "}`} {
		msg := requestMessage(t, &envelope.Request{Type: "x", Payload: json.RawMessage(`{}`), CorrelationID: "x"})
		msg.Payload = []byte(payload)
		if err := b.handleMessage(msg); err != nil {
			t.Fatalf("handleMessage(%q) error = %v, want logged drop", payload, err)
		}
	}

	if got := len(pub.Payloads(b.Conf.ResponseTopic)); got != 0 {
		t.Errorf("published %d messages for malformed input, want 0", got)
	}
}

func TestBridgeHandlerPanicBecomesErrorResponse(t *testing.T) {
	b, pub := newTestBridge(t)
	err := b.RegisterCommand("BOOM", HandlerFunc(func(_ context.Context, _ *envelope.Request) (json.RawMessage, error) {
		panic("kaboom")
	}))
	if err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: "BOOM", Payload: json.RawMessage(`{}`), CorrelationID: "corr-boom"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}
	if responses[0].Status != envelope.StatusError {
		t.Errorf("Status = %q, want error", responses[0].Status)
	}
	if !strings.Contains(responses[0].Message, "kaboom") {
		t.Errorf("Message = %q, should carry the panic value", responses[0].Message)
	}
}

func TestBridgeHandlerInvalidJSONBecomesErrorResponse(t *testing.T) {
	b, pub := newTestBridge(t)
	err := b.RegisterCommand("BROKEN_OUTPUT", HandlerFunc(func(_ context.Context, _ *envelope.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"unterminated":`), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: "BROKEN_OUTPUT", Payload: json.RawMessage(`{}`), CorrelationID: "corr-broken"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}
	if responses[0].Status != envelope.StatusError {
		t.Errorf("Status = %q, want error", responses[0].Status)
	}
	if !strings.Contains(responses[0].Message, "invalid JSON") {
		t.Errorf("Message = %q, should report the broken handler output", responses[0].Message)
	}
}

func TestBridgeJobDispatch(t *testing.T) {
	b, pub := newTestBridge(t)

	err := b.RegisterCommand("SLOW_SUM", NewJobHandler(func(ctx context.Context, req *envelope.Request, progress func(envelope.Progress)) (json.RawMessage, error) {
		progress(envelope.Progress{Percent: 100})
		return json.RawMessage(`{"sum":42}`), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: "SLOW_SUM", Payload: json.RawMessage(`{}`), CorrelationID: "corr-job"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	waitFor(t, "job response", func() bool {
		return len(pub.Responses(t, b.Conf.ResponseTopic)) > 0
	})

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want exactly 1", len(responses))
	}
	if responses[0].Status != envelope.StatusSuccess {
		t.Errorf("Status = %q, want success", responses[0].Status)
	}
	if responses[0].CorrelationID != "corr-job" {
		t.Errorf("CorrelationID = %q, want corr-job", responses[0].CorrelationID)
	}

	events := pub.Events(t, b.Conf.ResponseTopic)
	if len(events) == 0 {
		t.Fatal("no job events published")
	}
	if events[0].State != envelope.StatePending {
		t.Errorf("first event state = %q, want PENDING", events[0].State)
	}
	if got := events[len(events)-1].State; got != envelope.StateCompleted {
		t.Errorf("last event state = %q, want COMPLETED", got)
	}
	for _, ev := range events {
		if ev.CorrelationID != "corr-job" {
			t.Errorf("event correlation id = %q, want corr-job", ev.CorrelationID)
		}
	}
}

func TestBridgeBuiltinJobStatusAndCancel(t *testing.T) {
	b, pub := newTestBridge(t)

	started := make(chan struct{})
	err := b.RegisterCommand("FOREVER", NewJobHandler(func(ctx context.Context, req *envelope.Request, _ func(envelope.Progress)) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	if err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: "FOREVER", Payload: json.RawMessage(`{}`), CorrelationID: "corr-forever"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatal(err)
	}
	<-started

	events := pub.Events(t, b.Conf.ResponseTopic)
	jobID := events[0].JobID

	// JOB_STATUS reports the running job.
	statusReq := &envelope.Request{
		Type:          CommandJobStatus,
		Payload:       json.RawMessage(`{"jobId":"` + jobID + `"}`),
		CorrelationID: "corr-status",
	}
	if err := b.handleMessage(requestMessage(t, statusReq)); err != nil {
		t.Fatal(err)
	}

	// JOB_CANCEL stops it.
	cancelReq := &envelope.Request{
		Type:          CommandJobCancel,
		Payload:       json.RawMessage(`{"jobId":"` + jobID + `"}`),
		CorrelationID: "corr-cancel",
	}
	if err := b.handleMessage(requestMessage(t, cancelReq)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "job to cancel", func() bool {
		status, err := b.jobs.Status(jobID)
		return err == nil && status.State == envelope.StateCancelled
	})

	byCorrelation := make(map[string]*envelope.Response)
	for _, resp := range pub.Responses(t, b.Conf.ResponseTopic) {
		byCorrelation[resp.CorrelationID] = resp
	}

	if resp := byCorrelation["corr-status"]; resp == nil || resp.Status != envelope.StatusSuccess {
		t.Errorf("JOB_STATUS response = %+v, want success", resp)
	}
	if resp := byCorrelation["corr-cancel"]; resp == nil || resp.Status != envelope.StatusSuccess {
		t.Errorf("JOB_CANCEL response = %+v, want success", resp)
	}
	if resp := byCorrelation["corr-forever"]; resp == nil || resp.Status != envelope.StatusError {
		t.Errorf("job response = %+v, want cancelled error", resp)
	}
}

func TestBridgeBuiltinCancelFinishedJob(t *testing.T) {
	b, pub := newTestBridge(t)

	err := b.RegisterCommand("QUICK", NewJobHandler(func(ctx context.Context, req *envelope.Request, _ func(envelope.Progress)) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: "QUICK", Payload: json.RawMessage(`{}`), CorrelationID: "corr-quick"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "job response", func() bool {
		return len(pub.Responses(t, b.Conf.ResponseTopic)) > 0
	})
	jobID := pub.Events(t, b.Conf.ResponseTopic)[0].JobID

	// A late cancel is answered with the job's terminal state, not an error.
	cancelReq := &envelope.Request{
		Type:          CommandJobCancel,
		Payload:       json.RawMessage(`{"jobId":"` + jobID + `"}`),
		CorrelationID: "corr-late",
	}
	if err := b.handleMessage(requestMessage(t, cancelReq)); err != nil {
		t.Fatal(err)
	}

	var cancelResp *envelope.Response
	for _, resp := range pub.Responses(t, b.Conf.ResponseTopic) {
		if resp.CorrelationID == "corr-late" {
			cancelResp = resp
		}
	}
	if cancelResp == nil || cancelResp.Status != envelope.StatusSuccess {
		t.Fatalf("late cancel response = %+v, want success", cancelResp)
	}

	var status JobStatus
	if err := json.Unmarshal(cancelResp.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.State != envelope.StateCompleted {
		t.Errorf("reported state = %q, want COMPLETED", status.State)
	}
}

func TestBridgeListCommands(t *testing.T) {
	b, pub := newTestBridge(t)
	registerEcho(t, b)

	req := &envelope.Request{Type: CommandListCommands, Payload: json.RawMessage(`{}`), CorrelationID: "corr-list"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatal(err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}

	var data struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(responses[0].Data, &data); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, name := range data.Commands {
		if name == "ECHO" {
			found = true
		}
	}
	if !found {
		t.Errorf("commands = %v, want ECHO listed", data.Commands)
	}
}

func TestBridgeResetContextCommand(t *testing.T) {
	b, pub := newTestBridge(t)

	inner := &resettableExecutor{}
	guarded, err := NewGuardedExecutor(inner, 1)
	if err != nil {
		t.Fatal(err)
	}
	b.executor = guarded
	if err := b.RegisterCommand(CommandResetContext, HandlerFunc(b.handleResetContext)); err != nil {
		t.Fatal(err)
	}

	req := &envelope.Request{Type: CommandResetContext, Payload: json.RawMessage(`{}`), CorrelationID: "corr-reset"}
	if err := b.handleMessage(requestMessage(t, req)); err != nil {
		t.Fatal(err)
	}

	responses := pub.Responses(t, b.Conf.ResponseTopic)
	if len(responses) != 1 {
		t.Fatalf("published %d responses, want 1", len(responses))
	}
	if responses[0].Status != envelope.StatusSuccess {
		t.Errorf("Status = %q, want success", responses[0].Status)
	}
	if inner.resets != 1 {
		t.Errorf("resets = %d, want 1", inner.resets)
	}
}

func TestBridgeCommandStats(t *testing.T) {
	b, _ := newTestBridge(t)
	registerEcho(t, b)

	for i := 0; i < 3; i++ {
		req := &envelope.Request{Type: "ECHO", Payload: json.RawMessage(`{}`), CorrelationID: "corr-stats"}
		if err := b.handleMessage(requestMessage(t, req)); err != nil {
			t.Fatal(err)
		}
	}

	for _, info := range b.Commands() {
		if info.Name != "ECHO" {
			continue
		}
		snap := info.Stats.Snapshot()
		if snap.Processed != 3 {
			t.Errorf("Processed = %d, want 3", snap.Processed)
		}
		if snap.Failed != 0 {
			t.Errorf("Failed = %d, want 0", snap.Failed)
		}
		return
	}
	t.Fatal("ECHO not found in Commands()")
}
