package config

import (
	"fmt"
	"strings"
)

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); the app layer parses them when mapping onto
// component configs.
type Config struct {
	Log           LogConfig           `json:"log"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Executor      ExecutorConfig      `json:"executor"`
	Monitoring    *MonitoringConfig   `json:"monitoring,omitempty"`
	Collaborators CollaboratorsConfig `json:"collaborators,omitempty"`
	Jobs          []JobConfig         `json:"jobs"`
}

type LogConfig struct {
	Level   string  `json:"level"`
	Console bool    `json:"console"`
	File    LogFile `json:"file"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/finsched" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	Tick              string `json:"tick,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	DependencyGrace   string `json:"dependency_grace,omitempty"`
	DependencyMaxWait string `json:"dependency_max_wait,omitempty"`
	// DependencyLookback bounds how old a dependency success may be and
	// still satisfy readiness.
	DependencyLookback string `json:"dependency_lookback,omitempty"`
	Retention          string `json:"retention,omitempty"`
}

type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	GracePeriod    string `json:"grace_period,omitempty"`
}

// MonitoringConfig controls the alert webhook.
type MonitoringConfig struct {
	WebhookURL string  `json:"webhook_url,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

// CollaboratorsConfig names the HTTP services job bodies call into.
type CollaboratorsConfig struct {
	IngestionURL string `json:"ingestion_url,omitempty"`
	MLURL        string `json:"ml_url,omitempty"`
	ReportURL    string `json:"report_url,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

type JobConfig struct {
	ID        string       `json:"id"`
	Schedule  string       `json:"schedule"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Body      BodyConfig   `json:"body"`
	Timeout   string       `json:"timeout,omitempty"`
	Retry     *RetryConfig `json:"retry,omitempty"`
}

type BodyConfig struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Backoff     string  `json:"backoff,omitempty"` // "fixed" or "exponential"
	Base        string  `json:"base,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
	// RetryOn narrows the retryable error kinds (names from the error
	// taxonomy, e.g. "transient", "timeout"). Empty keeps the default set.
	RetryOn []string `json:"retry_on,omitempty"`
}

// Validate checks everything checkable without touching domain packages:
// required fields, duration syntax, enum values, duplicate job ids.
func (c *Config) Validate() error {
	durations := []struct{ path, raw string }{
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.dependency_grace", c.Scheduler.DependencyGrace},
		{"scheduler.dependency_max_wait", c.Scheduler.DependencyMaxWait},
		{"scheduler.dependency_lookback", c.Scheduler.DependencyLookback},
		{"scheduler.retention", c.Scheduler.Retention},
		{"executor.default_timeout", c.Executor.DefaultTimeout},
		{"executor.grace_period", c.Executor.GracePeriod},
		{"collaborators.timeout", c.Collaborators.Timeout},
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	if c.Monitoring != nil {
		durations = append(durations, struct{ path, raw string }{"monitoring.timeout", c.Monitoring.Timeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers: must be >= 0")
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		at := fmt.Sprintf("jobs[%d]", i)
		id := strings.TrimSpace(j.ID)
		if id == "" {
			return fmt.Errorf("%s: id is required", at)
		}
		if seen[id] {
			return fmt.Errorf("%s: duplicate job id %q", at, id)
		}
		seen[id] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("%s (%s): schedule is required", at, id)
		}
		if strings.TrimSpace(j.Body.Kind) == "" {
			return fmt.Errorf("%s (%s): body.kind is required", at, id)
		}
		if _, err := ParseDurationField(at+".timeout", j.Timeout); err != nil {
			return err
		}
		if r := j.Retry; r != nil {
			switch strings.ToLower(strings.TrimSpace(r.Backoff)) {
			case "", "fixed", "exponential":
			default:
				return fmt.Errorf("%s (%s): retry.backoff must be \"fixed\" or \"exponential\"", at, id)
			}
			if _, err := ParseDurationField(at+".retry.base", r.Base); err != nil {
				return err
			}
			if _, err := ParseDurationField(at+".retry.max_delay", r.MaxDelay); err != nil {
				return err
			}
			if r.Jitter < 0 || r.Jitter >= 1 {
				return fmt.Errorf("%s (%s): retry.jitter must be in [0, 1)", at, id)
			}
		}
	}
	for i, j := range c.Jobs {
		for _, d := range j.DependsOn {
			if !seen[d] {
				return fmt.Errorf("jobs[%d] (%s): depends_on references unknown job %q", i, j.ID, d)
			}
		}
	}
	return nil
}
