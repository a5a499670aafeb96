// Package jobs holds the runnable job bodies. Bodies are registered by kind
// at startup; the scheduler resolves a kind+ref into a closure at dispatch
// time and never learns what the body actually does.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"finsched/internal/fault"
	"finsched/internal/registry"
	logx "finsched/pkg/logx"
)

// Config names the collaborator services the built-in bodies call into.
type Config struct {
	IngestionURL string
	MLURL        string
	ReportURL    string
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Factory builds a body closure for one payload ref.
type Factory func(ref string) func(ctx context.Context) error

// Registry maps body kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory for kind. Later registrations win, which lets
// tests stub out the built-ins.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[strings.TrimSpace(kind)] = f
	r.mu.Unlock()
}

// Resolve implements the scheduler's body resolution.
func (r *Registry) Resolve(ref registry.BodyRef) (func(ctx context.Context) error, error) {
	r.mu.RLock()
	f, ok := r.factories[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Permanent(fmt.Errorf("unknown body kind %q", ref.Kind))
	}
	return f(ref.Ref), nil
}

// Kinds lists the registered body kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}

// RegisterBuiltins installs the standard financial-operations bodies:
// ingestion, categorize, forecast, report.
func RegisterBuiltins(r *Registry, cfg Config, log logx.Logger) {
	cfg = cfg.withDefaults()
	c := &client{
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
	r.Register("ingestion", c.postBody(cfg.IngestionURL, "/ingest"))
	r.Register("categorize", c.postBody(cfg.MLURL, "/categorize"))
	r.Register("forecast", c.postBody(cfg.MLURL, "/forecast"))
	r.Register("report", c.postBody(cfg.ReportURL, "/reports"))
}

// client wraps collaborator HTTP calls with the error classification the
// retry controller expects: 4xx is the caller's fault and permanent, 5xx and
// transport failures are transient, deadline hits are timeouts.
type client struct {
	http *http.Client
	log  logx.Logger
}

type runRequest struct {
	Ref         string    `json:"ref,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (c *client) postBody(base, path string) Factory {
	return func(ref string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if strings.TrimSpace(base) == "" {
				return fault.Permanent(fmt.Errorf("no collaborator configured for %s", path))
			}
			url := strings.TrimRight(base, "/") + path
			return c.post(ctx, url, runRequest{Ref: ref, RequestedAt: time.Now().UTC()})
		}
	}
}

func (c *client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fault.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fault.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fault.Timeout(err)
		}
		return fault.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("%s: %s: %s", url, resp.Status, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.Transient(err)
	case resp.StatusCode >= 500:
		return fault.Transient(err)
	default:
		return fault.Permanent(err)
	}
}
