// Package envelope defines the wire format crossing the UI/host boundary and
// the codec that validates it. Field names are part of the external contract
// and must stay bit-exact; unknown fields are preserved opaquely so newer
// callers can round-trip envelopes through an older bridge.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
)

// Response status values. A response is always exactly one of the two;
// job lifecycle notifications travel as JobEvent, not as a third status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is a command invocation sent from the UI surface to the host.
type Request struct {
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	Timestamp     string
	TraceID       string
	ParentSpanID  string

	// Extra holds fields this version of the bridge does not understand.
	// They are re-emitted verbatim on encode.
	Extra map[string]json.RawMessage
}

// Response answers exactly one Request, joined by CorrelationID.
type Response struct {
	Status        string
	Data          json.RawMessage
	Message       string
	CorrelationID string
	TraceID       string
	SpanID        string
	DurationMs    float64

	Extra map[string]json.RawMessage
}

// NewRequest builds a request envelope for the given command, marshalling
// payload and stamping the send timestamp.
func NewRequest(command string, payload any, correlationID string) (*Request, error) {
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Request{
		Type:          command,
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Success builds a status:"success" response carrying data.
func Success(correlationID string, data any) (*Response, error) {
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal response data: %w", err)
	}
	return &Response{
		Status:        StatusSuccess,
		Data:          raw,
		CorrelationID: correlationID,
	}, nil
}

// Error builds a status:"error" response carrying a human-readable message.
func Error(correlationID, message string) *Response {
	return &Response{
		Status:        StatusError,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// EncodeRequest serialises the request, merging preserved unknown fields.
// Known fields always win over Extra entries with the same key.
func EncodeRequest(r *Request) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+6)
	for k, v := range r.Extra {
		fields[k] = v
	}
	if err := setString(fields, "type", r.Type); err != nil {
		return nil, err
	}
	if r.Payload == nil {
		fields["payload"] = json.RawMessage("{}")
	} else {
		fields["payload"] = r.Payload
	}
	if err := setString(fields, "correlationId", r.CorrelationID); err != nil {
		return nil, err
	}
	if err := setOptionalString(fields, "timestamp", r.Timestamp); err != nil {
		return nil, err
	}
	if err := setOptionalString(fields, "traceId", r.TraceID); err != nil {
		return nil, err
	}
	if err := setOptionalString(fields, "parentSpanId", r.ParentSpanID); err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(fields)
}

// DecodeRequest parses and validates a request envelope. Mandatory fields are
// type, payload, and correlationId; a present-but-blank correlationId is
// rejected with ErrInvalidCorrelationID so it can be told apart from a
// structurally broken message.
func DecodeRequest(data []byte) (*Request, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return nil, err
	}

	r := &Request{}
	r.Type, err = takeString(fields, "type", true)
	if err != nil {
		return nil, err
	}
	payload, ok := fields["payload"]
	if !ok {
		return nil, fmt.Errorf("%w: missing field %q", errspkg.ErrMalformedEnvelope, "payload")
	}
	r.Payload = payload
	delete(fields, "payload")

	r.CorrelationID, err = takeCorrelationID(fields)
	if err != nil {
		return nil, err
	}

	if r.Timestamp, err = takeString(fields, "timestamp", false); err != nil {
		return nil, err
	}
	if r.TraceID, err = takeString(fields, "traceId", false); err != nil {
		return nil, err
	}
	if r.ParentSpanID, err = takeString(fields, "parentSpanId", false); err != nil {
		return nil, err
	}

	if len(fields) > 0 {
		r.Extra = fields
	}
	return r, nil
}

// EncodeResponse serialises the response, merging preserved unknown fields.
func EncodeResponse(r *Response) ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+7)
	for k, v := range r.Extra {
		fields[k] = v
	}
	if err := setString(fields, "status", r.Status); err != nil {
		return nil, err
	}
	if r.Data != nil {
		fields["data"] = r.Data
	}
	if err := setOptionalString(fields, "message", r.Message); err != nil {
		return nil, err
	}
	if err := setString(fields, "correlationId", r.CorrelationID); err != nil {
		return nil, err
	}
	if err := setOptionalString(fields, "traceId", r.TraceID); err != nil {
		return nil, err
	}
	if err := setOptionalString(fields, "spanId", r.SpanID); err != nil {
		return nil, err
	}
	if r.DurationMs != 0 {
		raw, err := jsoncodec.Marshal(r.DurationMs)
		if err != nil {
			return nil, err
		}
		fields["durationMs"] = raw
	}
	return jsoncodec.Marshal(fields)
}

// DecodeResponse parses and validates a response envelope. Mandatory fields
// are status and correlationId; status must be "success" or "error".
func DecodeResponse(data []byte) (*Response, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return nil, err
	}

	r := &Response{}
	r.Status, err = takeString(fields, "status", true)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return nil, fmt.Errorf("%w: unknown status %q", errspkg.ErrMalformedEnvelope, r.Status)
	}

	if data, ok := fields["data"]; ok {
		r.Data = data
		delete(fields, "data")
	}
	if r.Message, err = takeString(fields, "message", false); err != nil {
		return nil, err
	}

	r.CorrelationID, err = takeCorrelationID(fields)
	if err != nil {
		return nil, err
	}

	if r.TraceID, err = takeString(fields, "traceId", false); err != nil {
		return nil, err
	}
	if r.SpanID, err = takeString(fields, "spanId", false); err != nil {
		return nil, err
	}
	if raw, ok := fields["durationMs"]; ok {
		if err := jsoncodec.Unmarshal(raw, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", errspkg.ErrMalformedEnvelope, "durationMs", err)
		}
		delete(fields, "durationMs")
	}

	if len(fields) > 0 {
		r.Extra = fields
	}
	return r, nil
}

func decodeFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: envelope is null", errspkg.ErrMalformedEnvelope)
	}
	return fields, nil
}

func takeCorrelationID(fields map[string]json.RawMessage) (string, error) {
	raw, ok := fields["correlationId"]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", errspkg.ErrMalformedEnvelope, "correlationId")
	}
	var id string
	if err := jsoncodec.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: field %q is not a string", errspkg.ErrMalformedEnvelope, "correlationId")
	}
	delete(fields, "correlationId")
	if strings.TrimSpace(id) == "" {
		return "", errspkg.ErrInvalidCorrelationID
	}
	return id, nil
}

func takeString(fields map[string]json.RawMessage, key string, required bool) (string, error) {
	raw, ok := fields[key]
	if !ok {
		if required {
			return "", fmt.Errorf("%w: missing field %q", errspkg.ErrMalformedEnvelope, key)
		}
		return "", nil
	}
	var s string
	if err := jsoncodec.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q is not a string", errspkg.ErrMalformedEnvelope, key)
	}
	delete(fields, key)
	if required && s == "" {
		return "", fmt.Errorf("%w: field %q is empty", errspkg.ErrMalformedEnvelope, key)
	}
	return s, nil
}

func setString(fields map[string]json.RawMessage, key, value string) error {
	raw, err := jsoncodec.Marshal(value)
	if err != nil {
		return err
	}
	fields[key] = raw
	return nil
}

func setOptionalString(fields map[string]json.RawMessage, key, value string) error {
	if value == "" {
		return nil
	}
	return setString(fields, key, value)
}
