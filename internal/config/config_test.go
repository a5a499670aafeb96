package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
log:
  level: info
  console: true
  file: {enabled: false, path: ""}
storage:
  driver: file
  path: ./data/finsched
scheduler:
  tick: 1s
  timezone: UTC
  dependency_grace: 30s
  dependency_max_wait: 1h
  retention: 720h
executor:
  workers: 4
  queue_size: 256
  default_timeout: 10m
  grace_period: 30s
monitoring:
  webhook_url: "https://hooks.example.com/T000/B000"
  rate_per_sec: 1
collaborators:
  ingestion_url: "http://localhost:9001"
  ml_url: "http://localhost:9002"
  report_url: "http://localhost:9003"
jobs:
  - id: daily_ingestion
    schedule: "0 6 * * *"
    body: {kind: ingestion, ref: transactions}
    timeout: 15m
    retry: {max_attempts: 3, backoff: exponential, base: 5s, multiplier: 2, max_delay: 5m, jitter: 0.2}
  - id: daily_categorize
    schedule: "30 6 * * *"
    depends_on: [daily_ingestion]
    body: {kind: categorize, ref: daily-batch}
  - id: daily_forecast
    schedule: "0 7 * * *"
    depends_on: [daily_categorize]
    body: {kind: forecast, ref: balances}
  - id: weekly_report
    schedule: "0 8 * * 1"
    depends_on: [daily_forecast]
    body: {kind: report, ref: weekly}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finsched.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Log.Level != "info" || !cfg.Log.Console {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.Tick != "1s" || cfg.Scheduler.DependencyMaxWait != "1h" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Executor.Workers != 4 || cfg.Executor.QueueSize != 256 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if len(cfg.Jobs) != 4 {
		t.Fatalf("jobs = %d, want 4", len(cfg.Jobs))
	}
	ing := cfg.Jobs[0]
	if ing.ID != "daily_ingestion" || ing.Body.Kind != "ingestion" || ing.Retry == nil || ing.Retry.MaxAttempts != 3 {
		t.Fatalf("job[0] = %+v", ing)
	}
	if got := cfg.Jobs[1].DependsOn; len(got) != 1 || got[0] != "daily_ingestion" {
		t.Fatalf("job[1].DependsOn = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML+"\nsurprise: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(c *Config)
		want string
	}{
		{
			name: "duplicate job id",
			edit: func(c *Config) { c.Jobs = append(c.Jobs, c.Jobs[0]) },
			want: "duplicate job id",
		},
		{
			name: "missing body kind",
			edit: func(c *Config) { c.Jobs[0].Body.Kind = "" },
			want: "body.kind is required",
		},
		{
			name: "missing schedule",
			edit: func(c *Config) { c.Jobs[0].Schedule = "" },
			want: "schedule is required",
		},
		{
			name: "bad backoff",
			edit: func(c *Config) { c.Jobs[0].Retry.Backoff = "linear" },
			want: "retry.backoff",
		},
		{
			name: "jitter out of range",
			edit: func(c *Config) { c.Jobs[0].Retry.Jitter = 1.5 },
			want: "retry.jitter",
		},
		{
			name: "unknown dependency",
			edit: func(c *Config) { c.Jobs[1].DependsOn = []string{"ghost"} },
			want: "unknown job",
		},
		{
			name: "bad duration",
			edit: func(c *Config) { c.Scheduler.Tick = "soon" },
			want: "invalid duration",
		},
		{
			name: "unknown storage driver",
			edit: func(c *Config) { c.Storage.Driver = "postgres" },
			want: "unknown driver",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, sampleYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			tc.edit(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 10s "); err != nil || d.Seconds() != 10 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must fail")
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Fatal("nonsense duration must fail")
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "finsched.json")
	body := `{"log":{"level":"debug","console":true,"file":{"enabled":false,"path":""}},
	  "scheduler":{"tick":"1s"},"executor":{"workers":2},
	  "jobs":[{"id":"j","schedule":"@every 1h","body":{"kind":"report"}}]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Log.Level != "debug" || len(cfg.Jobs) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
