package app

import (
	"fmt"
	"strings"
	"time"

	"finsched/internal/config"
	"finsched/internal/depgraph"
	"finsched/internal/fault"
	"finsched/internal/registry"
	"finsched/internal/retry"
	"finsched/internal/trigger"
)

// mapJobs converts the declarative job list into definitions. Schedules are
// parsed here so a broken config never reaches the scheduler core.
func mapJobs(jobs []config.JobConfig) ([]registry.JobDefinition, error) {
	defs := make([]registry.JobDefinition, 0, len(jobs))
	for i, j := range jobs {
		at := fmt.Sprintf("jobs[%d] (%s)", i, j.ID)

		sched, err := trigger.Parse(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", at, err)
		}
		timeout, err := config.ParseDurationField(at+".timeout", j.Timeout)
		if err != nil {
			return nil, err
		}
		pol, err := mapRetry(at, j.Retry)
		if err != nil {
			return nil, err
		}

		defs = append(defs, registry.JobDefinition{
			ID:           strings.TrimSpace(j.ID),
			ScheduleExpr: j.Schedule,
			Schedule:     sched,
			DependsOn:    append([]string(nil), j.DependsOn...),
			Retry:        pol,
			Timeout:      timeout,
			Body:         registry.BodyRef{Kind: j.Body.Kind, Ref: j.Body.Ref},
		})
	}
	return defs, nil
}

func mapRetry(at string, rc *config.RetryConfig) (retry.Policy, error) {
	if rc == nil {
		return retry.Policy{}, nil
	}
	var p retry.Policy
	p.MaxAttempts = rc.MaxAttempts
	switch strings.ToLower(strings.TrimSpace(rc.Backoff)) {
	case "", "exponential":
		p.Backoff = retry.BackoffExponential
	case "fixed":
		p.Backoff = retry.BackoffFixed
	default:
		return p, fmt.Errorf("%s: retry.backoff: unknown strategy %q", at, rc.Backoff)
	}
	var err error
	if p.Base, err = config.ParseDurationField(at+".retry.base", rc.Base); err != nil {
		return p, err
	}
	if p.MaxDelay, err = config.ParseDurationField(at+".retry.max_delay", rc.MaxDelay); err != nil {
		return p, err
	}
	p.Multiplier = rc.Multiplier
	p.JitterFraction = rc.Jitter
	for _, name := range rc.RetryOn {
		k := fault.ParseKind(strings.TrimSpace(name))
		if k == fault.KindUnknown {
			return p, fmt.Errorf("%s: retry.retry_on: unknown error kind %q", at, name)
		}
		p.RetryableKinds = append(p.RetryableKinds, k)
	}
	return p, nil
}

// checkGraph dry-runs the dependency graph so a cyclic hot-reload is rejected
// before anything is committed. Jobs are inserted in dependency order; a
// leftover set means either a cycle or an unknown dependency.
func checkGraph(defs []registry.JobDefinition) error {
	g := depgraph.New()
	pending := append([]registry.JobDefinition(nil), defs...)
	for len(pending) > 0 {
		progressed := false
		var firstErr error
		rest := pending[:0]
		for _, def := range pending {
			if err := g.Add(def.ID, def.DependsOn); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("job %s: %w", def.ID, err)
				}
				rest = append(rest, def)
				continue
			}
			progressed = true
		}
		pending = rest
		if !progressed {
			return firstErr
		}
	}
	return nil
}

func schedulerTimezoneValid(tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	_, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return nil
}
