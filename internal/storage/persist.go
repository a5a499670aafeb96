package storage

import (
	"fmt"
	"time"

	"finsched/internal/fault"
	"finsched/internal/registry"
	"finsched/internal/retry"
)

// persistedJob is the wire form of a job definition, shared by the file and
// sqlite drivers. The parsed schedule is not persisted; it is re-parsed on
// load so the stored expression stays the single source of truth.
type persistedJob struct {
	ID           string   `json:"id"`
	Version      int      `json:"version"`
	Schedule     string   `json:"schedule"`
	DependsOn    []string `json:"depends_on,omitempty"`
	TimeoutMS    int64    `json:"timeout_ms,omitempty"`
	BodyKind     string   `json:"body_kind"`
	BodyRef      string   `json:"body_ref,omitempty"`
	MaxAttempts  int      `json:"max_attempts"`
	Backoff      string   `json:"backoff"`
	BaseMS       int64    `json:"base_ms"`
	Multiplier   float64  `json:"multiplier"`
	MaxDelayMS   int64    `json:"max_delay_ms"`
	Jitter       float64  `json:"jitter"`
	RetryKinds   []string `json:"retry_kinds,omitempty"`
	CreatedAtRFC string   `json:"created_at"`
}

func toPersistedJob(def registry.JobDefinition) persistedJob {
	kinds := make([]string, 0, len(def.Retry.RetryableKinds))
	for _, k := range def.Retry.RetryableKinds {
		kinds = append(kinds, k.String())
	}
	backoff := "exponential"
	if def.Retry.Backoff == retry.BackoffFixed {
		backoff = "fixed"
	}
	return persistedJob{
		ID:           def.ID,
		Version:      def.Version,
		Schedule:     def.ScheduleExpr,
		DependsOn:    append([]string(nil), def.DependsOn...),
		TimeoutMS:    def.Timeout.Milliseconds(),
		BodyKind:     def.Body.Kind,
		BodyRef:      def.Body.Ref,
		MaxAttempts:  def.Retry.MaxAttempts,
		Backoff:      backoff,
		BaseMS:       def.Retry.Base.Milliseconds(),
		Multiplier:   def.Retry.Multiplier,
		MaxDelayMS:   def.Retry.MaxDelay.Milliseconds(),
		Jitter:       def.Retry.JitterFraction,
		RetryKinds:   kinds,
		CreatedAtRFC: def.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromPersistedJob(p persistedJob) (registry.JobDefinition, error) {
	backoff := retry.BackoffExponential
	if p.Backoff == "fixed" {
		backoff = retry.BackoffFixed
	}
	kinds := make([]fault.Kind, 0, len(p.RetryKinds))
	for _, s := range p.RetryKinds {
		kinds = append(kinds, fault.ParseKind(s))
	}
	createdAt, err := time.Parse(time.RFC3339Nano, p.CreatedAtRFC)
	if err != nil {
		createdAt = time.Time{}
	}
	def := registry.JobDefinition{
		ID:           p.ID,
		Version:      p.Version,
		ScheduleExpr: p.Schedule,
		DependsOn:    append([]string(nil), p.DependsOn...),
		Timeout:      time.Duration(p.TimeoutMS) * time.Millisecond,
		Body:         registry.BodyRef{Kind: p.BodyKind, Ref: p.BodyRef},
		Retry: retry.Policy{
			MaxAttempts:    p.MaxAttempts,
			Backoff:        backoff,
			Base:           time.Duration(p.BaseMS) * time.Millisecond,
			Multiplier:     p.Multiplier,
			MaxDelay:       time.Duration(p.MaxDelayMS) * time.Millisecond,
			JitterFraction: p.Jitter,
			RetryableKinds: kinds,
		},
		CreatedAt: createdAt,
	}
	if def.ID == "" {
		return registry.JobDefinition{}, fmt.Errorf("persisted job missing id")
	}
	return def, nil
}
