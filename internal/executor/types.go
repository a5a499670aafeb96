package executor

import (
	"context"
	"time"

	"finsched/internal/fault"
)

// Config controls the execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// GracePeriod is how long a worker waits for a body to notice
	// cancellation after its timeout fires. A body still running after the
	// grace period is abandoned and the worker moves on.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	return c
}

// Task is one attempt of one scheduled run. The engine executes it exactly
// once; whether a failed attempt runs again is the caller's decision.
type Task struct {
	JobID    string
	FireTime time.Time
	Attempt  int
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Result reports how one attempt ended.
type Result struct {
	RunID     string
	JobID     string
	FireTime  time.Time
	Attempt   int
	StartedAt time.Time
	EndedAt   time.Time

	Err  error
	Kind fault.Kind

	TimedOut bool
	// Abandoned means the body ignored cancellation past the grace period
	// and the worker stopped waiting for it.
	Abandoned bool
}

func (r Result) Succeeded() bool { return r.Err == nil }

func (r Result) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// RunEvent is emitted on the event bus for attempt lifecycle events.
type RunEvent struct {
	RunID    string        `json:"run_id"`
	JobID    string        `json:"job_id"`
	FireTime time.Time     `json:"fire_time"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
