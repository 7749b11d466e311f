package envelope

import (
	"fmt"
	"time"

	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
	"github.com/hostbridge/hostbridge/internal/runtime/jsoncodec"
)

// EventType marks a job lifecycle event on the response topic. Events are
// out-of-band: they never count as the response for their correlation id.
const EventType = "JOB_EVENT"

// Job lifecycle states as they appear on the wire.
const (
	StatePending    = "PENDING"
	StateRunning    = "RUNNING"
	StateCancelling = "CANCELLING"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
	StateCancelled  = "CANCELLED"
)

// Progress is an optional payload on RUNNING events reporting how far a job
// has come.
type Progress struct {
	Percent  float64        `json:"percent"`
	Message  string         `json:"message,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobEvent is the third envelope kind: a lifecycle notification for a
// long-running job, joined to its originating request by CorrelationID.
type JobEvent struct {
	Type            string    `json:"type"`
	JobID           string    `json:"jobId"`
	CorrelationID   string    `json:"correlationId"`
	Command         string    `json:"command,omitempty"`
	State           string    `json:"state"`
	Progress        *Progress `json:"progress,omitempty"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	Timestamp       string    `json:"timestamp,omitempty"`
}

// NewJobEvent builds a lifecycle event for the given job and state, stamped
// with the current time.
func NewJobEvent(jobID, correlationID, command, state string) *JobEvent {
	return &JobEvent{
		Type:          EventType,
		JobID:         jobID,
		CorrelationID: correlationID,
		Command:       command,
		State:         state,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// EncodeJobEvent serialises a job lifecycle event.
func EncodeJobEvent(e *JobEvent) ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// DecodeJobEvent parses a job lifecycle event, validating the type marker and
// the correlation id.
func DecodeJobEvent(data []byte) (*JobEvent, error) {
	var e JobEvent
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if e.Type != EventType {
		return nil, fmt.Errorf("%w: not a job event (type %q)", errspkg.ErrMalformedEnvelope, e.Type)
	}
	if e.JobID == "" || e.State == "" {
		return nil, fmt.Errorf("%w: job event missing jobId or state", errspkg.ErrMalformedEnvelope)
	}
	if e.CorrelationID == "" {
		return nil, errspkg.ErrInvalidCorrelationID
	}
	return &e, nil
}

// IsJobEvent reports whether raw bytes on the response topic look like a job
// lifecycle event rather than a response. It only probes the type marker; the
// full validation happens in DecodeJobEvent.
func IsJobEvent(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := jsoncodec.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == EventType
}
