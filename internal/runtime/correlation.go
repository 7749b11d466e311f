package runtime

import (
	"sync"
	"time"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
)

// CallResult is delivered on a pending call's channel exactly once: either
// the matched response or the error that ended the wait.
type CallResult struct {
	Response *envelope.Response
	Err      error
}

type pendingCall struct {
	ch    chan CallResult
	timer *time.Timer
}

// CorrelationRegistry joins responses to their originating requests by
// correlation id. Each id gets exactly one outcome: the first of matching
// response, timeout, or registry drain wins; everything after is dropped.
type CorrelationRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewCorrelationRegistry creates an empty registry.
func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{
		pending: make(map[string]*pendingCall),
	}
}

// Register reserves a correlation id and returns the channel its outcome will
// be delivered on. A zero timeout means the call waits until resolved or
// drained. Registering an id that is already pending fails with
// ErrDuplicateCorrelationID; the original registration is untouched.
func (r *CorrelationRegistry) Register(correlationID string, timeout time.Duration) (<-chan CallResult, error) {
	if correlationID == "" {
		return nil, errspkg.ErrInvalidCorrelationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errspkg.ErrBridgeClosed
	}
	if _, exists := r.pending[correlationID]; exists {
		return nil, errspkg.ErrDuplicateCorrelationID
	}

	call := &pendingCall{ch: make(chan CallResult, 1)}
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			r.fail(correlationID, errspkg.ErrRequestTimeout)
		})
	}
	r.pending[correlationID] = call
	return call.ch, nil
}

// Resolve delivers a response to the pending call with a matching correlation
// id. It returns false when no call is waiting, which covers late responses
// after a timeout as well as responses nobody asked for; the caller decides
// whether that is worth logging.
func (r *CorrelationRegistry) Resolve(resp *envelope.Response) bool {
	r.mu.Lock()
	call, ok := r.pending[resp.CorrelationID]
	if ok {
		delete(r.pending, resp.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.ch <- CallResult{Response: resp}
	return true
}

// fail delivers an error outcome, if the call is still pending.
func (r *CorrelationRegistry) fail(correlationID string, err error) {
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.ch <- CallResult{Err: err}
}

// Cancel withdraws a pending call, e.g. when the caller's context is done
// before any response arrives. A response arriving afterwards is treated as
// unmatched.
func (r *CorrelationRegistry) Cancel(correlationID string) {
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if ok && call.timer != nil {
		call.timer.Stop()
	}
}

// PendingCount reports how many calls are waiting for a response.
func (r *CorrelationRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain fails every pending call with the given error and rejects future
// registrations. Used when the transport is lost or the client closes.
func (r *CorrelationRegistry) Drain(err error) {
	if err == nil {
		err = errspkg.ErrBridgeClosed
	}

	r.mu.Lock()
	calls := r.pending
	r.pending = make(map[string]*pendingCall)
	r.closed = true
	r.mu.Unlock()

	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.ch <- CallResult{Err: err}
	}
}
