package scheduler

import (
	"context"
	"time"

	"finsched/internal/registry"
)

// Config controls the scheduler core.
type Config struct {
	// Tick is the control loop period.
	Tick time.Duration

	// Timezone names the location cron fields are evaluated in.
	Timezone string

	// DependencyGrace is how long a due run waits on unsatisfied
	// dependencies before the scheduler starts warning about it.
	DependencyGrace time.Duration

	// DependencyMaxWait bounds the deferral: a run still blocked on
	// dependencies this long after its fire time is skipped.
	DependencyMaxWait time.Duration

	// DependencyLookback bounds how old a dependency success may be and
	// still satisfy readiness. A success older than fireTime-lookback
	// belongs to a previous cycle and does not count.
	DependencyLookback time.Duration

	// Retention is the run-history window kept in storage. 0 keeps
	// everything.
	Retention time.Duration

	// Seed fixes the retry jitter RNG; 0 seeds from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DependencyGrace <= 0 {
		c.DependencyGrace = 30 * time.Second
	}
	if c.DependencyMaxWait <= 0 {
		c.DependencyMaxWait = time.Hour
	}
	if c.DependencyLookback <= 0 {
		c.DependencyLookback = 24 * time.Hour
	}
	return c
}

// BodyResolver turns a registered body reference into a runnable closure.
// Resolution happens at dispatch time so job definitions stay declarative.
type BodyResolver interface {
	Resolve(ref registry.BodyRef) (func(ctx context.Context) error, error)
}

// BodyResolverFunc adapts a function to the BodyResolver interface.
type BodyResolverFunc func(ref registry.BodyRef) (func(ctx context.Context) error, error)

func (f BodyResolverFunc) Resolve(ref registry.BodyRef) (func(ctx context.Context) error, error) {
	return f(ref)
}

// RetryEvent is published when a failed attempt gets another chance.
type RetryEvent struct {
	JobID     string        `json:"job_id"`
	FireTime  time.Time     `json:"fire_time"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	NextRetry time.Time     `json:"next_retry"`
}

// EscalationEvent is published when a run reaches a terminal failure.
type EscalationEvent struct {
	JobID    string    `json:"job_id"`
	FireTime time.Time `json:"fire_time"`
	Attempts int       `json:"attempts"`
	Kind     string    `json:"kind"`
	Error    string    `json:"error,omitempty"`
}

// SkipEvent is published when a run is abandoned because its dependencies
// never became ready.
type SkipEvent struct {
	JobID    string        `json:"job_id"`
	FireTime time.Time     `json:"fire_time"`
	Waited   time.Duration `json:"waited"`
	Missing  []string      `json:"missing,omitempty"`
}

// Snapshot is a diagnostics view of the control loop state.
type Snapshot struct {
	Jobs      int                  `json:"jobs"`
	Queued    int                  `json:"queued"`
	InFlight  int                  `json:"in_flight"`
	Retrying  int                  `json:"retrying"`
	NextFires map[string]time.Time `json:"next_fires"`
}
