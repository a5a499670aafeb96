package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl history + job snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the scheduler runs
// purely in-memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // run records older than this are pruned; 0 keeps everything
}

// Outcome is the terminal result of one run attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeSkipped   Outcome = "skipped"
)

// RunRecord is the append-only record of one job attempt.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	FireTime  time.Time `json:"fire_time"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Degraded marks records written after an earlier persistence failure in
	// the same run, so operators know the history may have gaps.
	Degraded bool `json:"degraded,omitempty"`
}

func (r RunRecord) Latency() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
