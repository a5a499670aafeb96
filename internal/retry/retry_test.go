package retry

import (
	"math/rand"
	"testing"
	"time"

	"finsched/internal/fault"
)

var t0 = time.Date(2026, 8, 28, 6, 0, 0, 0, time.UTC)

func TestDelayExponential(t *testing.T) {
	t.Parallel()
	pol := Policy{
		MaxAttempts: 5,
		Backoff:     BackoffExponential,
		Base:        time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}.WithDefaults()
	pol.JitterFraction = 0 // deterministic

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second}, // capped
		{attempt: 9, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := pol.Delay(tt.attempt, nil); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()
	pol := Policy{
		MaxAttempts:    3,
		Backoff:        BackoffFixed,
		Base:           10 * time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0.5,
	}.WithDefaults()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		d := pol.Delay(1, rng)
		if d < 10*time.Second || d >= 15*time.Second {
			t.Fatalf("jittered delay %v outside [10s, 15s)", d)
		}
	}
}

func TestExhaustionAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	pol := Policy{MaxAttempts: 3, Backoff: BackoffFixed, Base: time.Second, JitterFraction: 0}

	escalations := 0
	retries := 0
	for attempt := 1; ; attempt++ {
		got := c.Begin("job", t0)
		if got != attempt {
			t.Fatalf("Begin attempt = %d, want %d", got, attempt)
		}
		d := c.Fail("job", t0, fault.KindTransient, pol, t0)
		if d.Retry {
			retries++
			continue
		}
		if !d.Escalate || d.Terminal != PhaseExhausted {
			t.Fatalf("final decision = %+v, want exhausted escalation", d)
		}
		escalations++
		break
	}
	if retries != 2 || escalations != 1 {
		t.Fatalf("retries=%d escalations=%d, want 2 and 1", retries, escalations)
	}
	if _, ok := c.Lookup("job", t0); ok {
		t.Fatal("terminal run must not keep retry state")
	}
}

func TestNonRetryableEscalatesImmediately(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	pol := Policy{MaxAttempts: 5}

	c.Begin("job", t0)
	d := c.Fail("job", t0, fault.KindPermanent, pol, t0)
	if d.Retry || !d.Escalate {
		t.Fatalf("decision = %+v, want immediate escalation", d)
	}
	if c.Len() != 0 {
		t.Fatal("state must be dropped on permanent failure")
	}
}

func TestRetryableKindsNarrowing(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	pol := Policy{MaxAttempts: 5, RetryableKinds: []fault.Kind{fault.KindTimeout}}

	c.Begin("job", t0)
	// Transient is retryable by default, but this policy only retries timeouts.
	d := c.Fail("job", t0, fault.KindTransient, pol, t0)
	if d.Retry {
		t.Fatal("kind outside RetryableKinds must escalate")
	}

	c.Begin("job2", t0)
	d = c.Fail("job2", t0, fault.KindTimeout, pol, t0)
	if !d.Retry {
		t.Fatal("timeout should be retried under this policy")
	}
}

func TestSucceedDropsState(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	c.Begin("job", t0)
	c.Succeed("job", t0)
	if c.Len() != 0 {
		t.Fatal("success must drop state")
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	c.Resume("job", t0, 2, t0.Add(time.Minute))

	if got := c.Begin("job", t0); got != 3 {
		t.Fatalf("attempt after resume = %d, want 3", got)
	}
	pol := Policy{MaxAttempts: 3}
	d := c.Fail("job", t0, fault.KindTransient, pol, t0)
	if !d.Escalate {
		t.Fatal("third failed attempt after resume must exhaust")
	}
}

func TestStatesAreIndependentAcrossFireTimes(t *testing.T) {
	t.Parallel()
	c := NewController(1)
	t1 := t0.Add(24 * time.Hour)
	if got := c.Begin("job", t0); got != 1 {
		t.Fatalf("attempt = %d, want 1", got)
	}
	if got := c.Begin("job", t1); got != 1 {
		t.Fatalf("attempt for second fire time = %d, want 1", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}
