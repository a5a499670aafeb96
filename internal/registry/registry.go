package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"finsched/internal/retry"
	"finsched/internal/trigger"
)

// BodyRef names a job body variant and its opaque payload reference.
// Bodies are registered at startup (ingestion, categorize, forecast, report);
// the scheduler resolves the ref at dispatch time and never inspects it.
type BodyRef struct {
	Kind string
	Ref  string
}

func (b BodyRef) String() string {
	if b.Ref == "" {
		return b.Kind
	}
	return b.Kind + ":" + b.Ref
}

// JobDefinition is an immutable, versioned description of a schedulable job.
// Re-registering the same ID yields a new definition with Version+1.
type JobDefinition struct {
	ID           string
	Version      int
	ScheduleExpr string
	Schedule     trigger.Schedule
	DependsOn    []string
	Retry        retry.Policy
	Timeout      time.Duration
	Body         BodyRef
	CreatedAt    time.Time
}

// Registry holds job definitions. Read-mostly: lookups take a shared lock,
// registration takes a short exclusive one.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]JobDefinition
}

func New() *Registry {
	return &Registry{jobs: map[string]JobDefinition{}}
}

// Register validates and stores def, returning the stored copy.
//
// The schedule expression is parsed here so a bad expression is rejected
// synchronously. Dependency validation is the graph's job; the scheduler
// core runs both before committing either.
func (r *Registry) Register(def JobDefinition) (JobDefinition, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return JobDefinition{}, errors.New("job id required")
	}
	if def.Body.Kind == "" {
		return JobDefinition{}, fmt.Errorf("job %q: body kind required", def.ID)
	}
	if def.Schedule.IsZero() {
		sched, err := trigger.Parse(def.ScheduleExpr)
		if err != nil {
			return JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, err)
		}
		def.Schedule = sched
		def.ScheduleExpr = sched.Raw()
	}
	def.Retry = def.Retry.WithDefaults()
	def.DependsOn = append([]string(nil), def.DependsOn...)
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.jobs[def.ID]; ok {
		def.Version = prev.Version + 1
	} else if def.Version <= 0 {
		def.Version = 1
	}
	r.jobs[def.ID] = def
	return def, nil
}

// Unregister removes a definition. Returns true if something was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

func (r *Registry) Get(id string) (JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.jobs[id]
	return def, ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobDefinition, 0, len(r.jobs))
	for _, d := range r.jobs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
