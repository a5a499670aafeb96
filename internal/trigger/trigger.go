package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"finsched/internal/fault"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "cron"
	}
}

// maxLookahead bounds the forward search for the next fire time. An expression that
// produces nothing inside this window (e.g. "0 0 30 2 *") is rejected rather
// than searched forever.
const maxLookahead = 2 * 365 * 24 * time.Hour

// ErrUnsatisfiable is returned by Next when no fire time exists within the
// lookahead window.
var ErrUnsatisfiable = errors.New("schedule has no fire time within lookahead window")

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a parsed schedule expression.
//
// Supported forms:
//   - Cron (five fields, wildcards/lists/ranges/steps): "*/5 * * * *", "0 6 * * 1-5"
//   - Descriptors: "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - One-shot: "@at 2026-01-02T15:04:05Z" (RFC 3339)
type Schedule struct {
	kind  Kind
	raw   string
	sched cron.Schedule
	at    time.Time
	every time.Duration
}

func (s Schedule) Kind() Kind   { return s.kind }
func (s Schedule) Raw() string  { return s.raw }
func (s Schedule) IsZero() bool { return s.raw == "" }

// Every returns the interval for KindInterval schedules, 0 otherwise.
func (s Schedule) Every() time.Duration { return s.every }

// At returns the fire time for KindOnce schedules.
func (s Schedule) At() time.Time { return s.at }

// Parse parses a schedule expression. Errors carry fault.KindInvalidSchedule.
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, invalid(errors.New("schedule required"))
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "@at") {
		v := strings.TrimSpace(s[len("@at"):])
		if v == "" {
			return Schedule{}, invalid(errors.New("timestamp required after '@at'"))
		}
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Schedule{}, invalid(fmt.Errorf("invalid '@at' timestamp %q: %w", v, err))
		}
		return Schedule{kind: KindOnce, raw: s, at: at}, nil
	}

	// Bare Go duration => interval.
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err == nil {
			if d < time.Second {
				return Schedule{}, invalid(fmt.Errorf("interval %q must be >= 1s", s))
			}
			return Schedule{kind: KindInterval, raw: s, every: d, sched: cron.Every(d)}, nil
		}
	}

	sched, err := parser.Parse(s)
	if err != nil {
		return Schedule{}, invalid(fmt.Errorf("invalid schedule %q: %w", raw, err))
	}
	kind := KindCron
	var every time.Duration
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		kind = KindInterval
		every = cd.Delay
	}
	return Schedule{kind: kind, raw: s, sched: sched, every: every}, nil
}

// Next returns the smallest fire time strictly greater than ref.
//
// For one-shot schedules whose timestamp has passed, Next returns the zero
// time and no error: the schedule is spent, not broken.
func (s Schedule) Next(ref time.Time) (time.Time, error) {
	if s.IsZero() {
		return time.Time{}, invalid(errors.New("zero schedule"))
	}
	if s.kind == KindOnce {
		if s.at.After(ref) {
			return s.at, nil
		}
		return time.Time{}, nil
	}

	next := s.sched.Next(ref)
	if next.IsZero() || next.Sub(ref) > maxLookahead {
		return time.Time{}, invalid(fmt.Errorf("%q: %w", s.raw, ErrUnsatisfiable))
	}
	if !next.After(ref) {
		// cron.Schedule contract already guarantees this; guard the invariant anyway.
		return time.Time{}, invalid(fmt.Errorf("%q: non-advancing fire time", s.raw))
	}
	return next, nil
}

func invalid(err error) error {
	return fault.WithKind(fault.KindInvalidSchedule, err)
}
