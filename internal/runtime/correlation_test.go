package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/hostbridge/hostbridge/internal/runtime/envelope"
	errspkg "github.com/hostbridge/hostbridge/internal/runtime/errors"
)

func TestCorrelationResolve(t *testing.T) {
	reg := NewCorrelationRegistry()

	ch, err := reg.Register("c-1", 0)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := reg.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}

	resp := &envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "c-1"}
	if !reg.Resolve(resp) {
		t.Fatal("Resolve() = false for a pending id")
	}

	result := <-ch
	if result.Err != nil {
		t.Fatalf("result.Err = %v", result.Err)
	}
	if result.Response.CorrelationID != "c-1" {
		t.Errorf("CorrelationID = %q, want c-1", result.Response.CorrelationID)
	}
	if got := reg.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d after resolve, want 0", got)
	}
}

func TestCorrelationIDReuseAfterResolution(t *testing.T) {
	reg := NewCorrelationRegistry()

	ch, err := reg.Register("c-1", 0)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "c-1"})
	<-ch

	// Once a call resolves, the id is free for the next one.
	ch2, err := reg.Register("c-1", 0)
	if err != nil {
		t.Fatalf("Register() after resolve error = %v", err)
	}
	if !reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "c-1"}) {
		t.Fatal("Resolve() = false for the re-registered id")
	}
	if result := <-ch2; result.Err != nil {
		t.Fatalf("second call failed: %v", result.Err)
	}
}

func TestCorrelationIDReuseAfterTimeout(t *testing.T) {
	reg := NewCorrelationRegistry()

	ch, err := reg.Register("slow", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if result := <-ch; !errors.Is(result.Err, errspkg.ErrRequestTimeout) {
		t.Fatalf("result.Err = %v, want ErrRequestTimeout", result.Err)
	}

	// Expiry removes the entry, so the id is usable again.
	if _, err := reg.Register("slow", 0); err != nil {
		t.Fatalf("Register() after timeout error = %v", err)
	}
}

func TestCorrelationDuplicateID(t *testing.T) {
	reg := NewCorrelationRegistry()

	ch, err := reg.Register("dup", 0)
	if err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if _, err := reg.Register("dup", 0); !errors.Is(err, errspkg.ErrDuplicateCorrelationID) {
		t.Fatalf("second Register() error = %v, want ErrDuplicateCorrelationID", err)
	}

	// The original registration still works.
	reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "dup"})
	result := <-ch
	if result.Err != nil || result.Response == nil {
		t.Fatalf("original call broken by duplicate registration: %+v", result)
	}
}

func TestCorrelationSwappedResponseOrder(t *testing.T) {
	reg := NewCorrelationRegistry()

	chA, err := reg.Register("req-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	chB, err := reg.Register("req-b", 0)
	if err != nil {
		t.Fatal(err)
	}

	// Responses arrive in reverse order of the requests.
	reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "req-b"})
	reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "req-a"})

	if got := (<-chA).Response.CorrelationID; got != "req-a" {
		t.Errorf("call A got response %q", got)
	}
	if got := (<-chB).Response.CorrelationID; got != "req-b" {
		t.Errorf("call B got response %q", got)
	}
}

func TestCorrelationTimeout(t *testing.T) {
	reg := NewCorrelationRegistry()

	ch, err := reg.Register("slow", 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case result := <-ch:
		if !errors.Is(result.Err, errspkg.ErrRequestTimeout) {
			t.Fatalf("result.Err = %v, want ErrRequestTimeout", result.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	// A response arriving after the deadline is unmatched, not redelivered.
	if reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "slow"}) {
		t.Error("Resolve() = true for a timed-out id")
	}
}

func TestCorrelationCancel(t *testing.T) {
	reg := NewCorrelationRegistry()

	if _, err := reg.Register("gone", 0); err != nil {
		t.Fatal(err)
	}
	reg.Cancel("gone")

	if reg.Resolve(&envelope.Response{Status: envelope.StatusSuccess, CorrelationID: "gone"}) {
		t.Error("Resolve() = true for a cancelled id")
	}
	if got := reg.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCorrelationDrain(t *testing.T) {
	reg := NewCorrelationRegistry()

	chA, _ := reg.Register("a", 0)
	chB, _ := reg.Register("b", 0)

	reg.Drain(errspkg.ErrTransportLost)

	for _, ch := range []<-chan CallResult{chA, chB} {
		result := <-ch
		if !errors.Is(result.Err, errspkg.ErrTransportLost) {
			t.Errorf("result.Err = %v, want ErrTransportLost", result.Err)
		}
	}

	// Drained registries refuse new work.
	if _, err := reg.Register("c", 0); !errors.Is(err, errspkg.ErrBridgeClosed) {
		t.Errorf("Register() after drain error = %v, want ErrBridgeClosed", err)
	}
}
