package retry

import (
	"math"
	"math/rand"
	"time"

	"finsched/internal/fault"
)

// BackoffKind selects the delay strategy between attempts.
type BackoffKind int

const (
	BackoffExponential BackoffKind = iota
	BackoffFixed
)

func (b BackoffKind) String() string {
	if b == BackoffFixed {
		return "fixed"
	}
	return "exponential"
}

// Policy controls retries for one job definition.
//
// RetryableKinds narrows the default retryable set. Empty means "use the
// default classification" (fault.Kind.Retryable). A kind that the default
// classification marks permanent is never retried, whatever the policy says.
type Policy struct {
	MaxAttempts    int
	Backoff        BackoffKind
	Base           time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
	RetryableKinds []fault.Kind
}

func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 5 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction == 0 && p.Backoff == BackoffExponential {
		p.JitterFraction = 0.2
	}
	return p
}

// Retryable reports whether the policy allows another attempt after a
// failure of kind k: the kind itself must be retryable, narrowed further by
// RetryableKinds when set.
func (p Policy) Retryable(k fault.Kind) bool {
	if !k.Retryable() {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	for _, rk := range p.RetryableKinds {
		if rk == k {
			return true
		}
	}
	return false
}

// Delay computes the backoff before the next attempt, where attempt is the
// 1-based number of the attempt that just failed.
//
// delay = min(base * multiplier^(attempt-1), maxDelay), plus uniform jitter
// in [0, delay*jitterFraction) so synchronized failures don't retry in
// lockstep.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	if p.Backoff == BackoffExponential {
		f := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
		if f > float64(p.MaxDelay) {
			d = p.MaxDelay
		} else {
			d = time.Duration(f)
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 && rng != nil && d > 0 {
		d += time.Duration(rng.Float64() * p.JitterFraction * float64(d))
	}
	return d
}

// Phase is the retry state machine position for one (job, fire time) run.
//
// Pending -> Running -> Succeeded (terminal)
//
//	|-> Failed -> RetryScheduled -> Running (loop)
//	|-> Failed -> Exhausted (terminal)
type Phase int

const (
	PhasePending Phase = iota
	PhaseRunning
	PhaseRetryScheduled
	PhaseSucceeded
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseRetryScheduled:
		return "retry_scheduled"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "pending"
	}
}

// Key identifies one scheduled run. Fire times are kept as UnixNano so the
// key is comparable without monotonic-clock noise.
type Key struct {
	JobID    string
	FireUnix int64
}

func KeyOf(jobID string, fire time.Time) Key {
	return Key{JobID: jobID, FireUnix: fire.UnixNano()}
}

// State tracks attempts for one scheduled run. It exists only while the run
// is non-terminal; terminal transitions delete it.
type State struct {
	JobID     string
	FireTime  time.Time
	Attempts  int // attempts started so far
	Phase     Phase
	NextRetry time.Time
}

// Decision is the controller's verdict on a failed attempt.
type Decision struct {
	Retry     bool
	Escalate  bool
	Terminal  Phase // PhaseExhausted when Escalate, PhaseRetryScheduled when Retry
	Delay     time.Duration
	NextRetry time.Time
}

// Controller owns per-run retry state. It is used only from the scheduler's
// control loop and is therefore unsynchronized.
type Controller struct {
	rng    *rand.Rand
	states map[Key]*State
}

func NewController(seed int64) *Controller {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Controller{
		rng:    rand.New(rand.NewSource(seed)),
		states: map[Key]*State{},
	}
}

// Begin marks a run attempt as started and returns its 1-based attempt number.
func (c *Controller) Begin(jobID string, fire time.Time) int {
	k := KeyOf(jobID, fire)
	st := c.states[k]
	if st == nil {
		st = &State{JobID: jobID, FireTime: fire}
		c.states[k] = st
	}
	st.Attempts++
	st.Phase = PhaseRunning
	st.NextRetry = time.Time{}
	return st.Attempts
}

// Succeed records terminal success and drops the state.
func (c *Controller) Succeed(jobID string, fire time.Time) {
	delete(c.states, KeyOf(jobID, fire))
}

// Fail applies policy to a failed attempt and returns the decision.
// Terminal outcomes (exhaustion, non-retryable kind) drop the state.
func (c *Controller) Fail(jobID string, fire time.Time, kind fault.Kind, pol Policy, now time.Time) Decision {
	pol = pol.WithDefaults()
	k := KeyOf(jobID, fire)
	st := c.states[k]
	if st == nil {
		// Fail without Begin: treat as first attempt (restart recovery path).
		st = &State{JobID: jobID, FireTime: fire, Attempts: 1}
		c.states[k] = st
	}

	if !pol.Retryable(kind) {
		delete(c.states, k)
		return Decision{Escalate: true, Terminal: PhaseExhausted}
	}
	if st.Attempts >= pol.MaxAttempts {
		delete(c.states, k)
		return Decision{Escalate: true, Terminal: PhaseExhausted}
	}

	delay := pol.Delay(st.Attempts, c.rng)
	st.Phase = PhaseRetryScheduled
	st.NextRetry = now.Add(delay)
	return Decision{Retry: true, Terminal: PhaseRetryScheduled, Delay: delay, NextRetry: st.NextRetry}
}

// Resume seeds state from persisted history after a restart, so the next
// attempt number continues where the previous process stopped.
func (c *Controller) Resume(jobID string, fire time.Time, attemptsMade int, nextRetry time.Time) {
	if attemptsMade <= 0 {
		return
	}
	k := KeyOf(jobID, fire)
	c.states[k] = &State{
		JobID:     jobID,
		FireTime:  fire,
		Attempts:  attemptsMade,
		Phase:     PhaseRetryScheduled,
		NextRetry: nextRetry,
	}
}

// Lookup returns a copy of the state for a run, if any.
func (c *Controller) Lookup(jobID string, fire time.Time) (State, bool) {
	st := c.states[KeyOf(jobID, fire)]
	if st == nil {
		return State{}, false
	}
	return *st, true
}

// Len reports how many runs currently hold retry state.
func (c *Controller) Len() int { return len(c.states) }
