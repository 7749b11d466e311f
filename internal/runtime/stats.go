package runtime

import (
	"sync"
	"time"
)

// CommandStats tracks per-command dispatch counters. The bridge updates them
// on every dispatch; snapshots are safe to read concurrently.
type CommandStats struct {
	mu sync.Mutex

	Processed       uint64    `json:"processed"`
	Failed          uint64    `json:"failed"`
	LastDurationNs  int64     `json:"last_duration_ns"`
	TotalDurationNs int64     `json:"total_duration_ns"`
	LastError       string    `json:"last_error,omitempty"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// CommandInfo describes one registered command and its runtime counters.
type CommandInfo struct {
	Name  string        `json:"name"`
	Mode  Mode          `json:"mode"`
	Stats *CommandStats `json:"stats"`
}

func newCommandStats() *CommandStats {
	return &CommandStats{}
}

func (s *CommandStats) record(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Processed++
	if err != nil {
		s.Failed++
		s.LastError = err.Error()
	}
	s.LastDurationNs = duration.Nanoseconds()
	s.TotalDurationNs += duration.Nanoseconds()
	s.LastProcessedAt = time.Now().UTC()
}

// Snapshot returns a copy of the counters without the lock.
func (s *CommandStats) Snapshot() CommandStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CommandStats{
		Processed:       s.Processed,
		Failed:          s.Failed,
		LastDurationNs:  s.LastDurationNs,
		TotalDurationNs: s.TotalDurationNs,
		LastError:       s.LastError,
		LastProcessedAt: s.LastProcessedAt,
	}
}
