package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"finsched/internal/eventbus"
	"finsched/internal/fault"
	rtsup "finsched/internal/runtime/supervisor"
	logx "finsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool that runs one attempt per task.
//
// It deliberately knows nothing about retries or dependencies: every queued
// Task is executed exactly once and its Result is delivered on Results().
// The scheduler core decides what happens next.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q       chan Task
	results chan Result

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight int32

	dropped             uint64
	lastQueueFullWarnAt int64
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// Results outlives Start/Stop cycles so the consumer can keep one
		// receive loop for the life of the process.
		results: make(chan Result, cfg.QueueSize),
	}
}

// Results delivers one Result per executed attempt.
func (s *Service) Results() <-chan Result { return s.results }

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan Task, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		// A failing worker should not take down the process.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("execution engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cap(queue)),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
		logx.Duration("grace", cfg.GracePeriod))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		atomic.StoreInt32(&s.inFlight, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("execution engine stopped")
	case <-ctx.Done():
		s.log.Warn("execution engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full,
// the task is rejected with ErrQueueFull and the caller decides whether to
// defer or fail the run.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled,
// or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	if t.JobID == "" {
		return fmt.Errorf("task JobID is required")
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	if !block {
		select {
		case q <- t:
			return nil
		default:
			s.onQueueFullDropped(time.Now(), t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}
	return Snapshot{
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  atomic.LoadUint64(&s.dropped),
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			res := s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)

			select {
			case s.results <- res:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Service) execOne(ctx context.Context, t Task) Result {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	res := Result{
		RunID:     uuid.NewString(),
		JobID:     t.JobID,
		FireTime:  t.FireTime,
		Attempt:   t.Attempt,
		StartedAt: time.Now(),
	}

	s.log.Debug("run.started",
		logx.String("job", t.JobID),
		logx.String("run", res.RunID),
		logx.Int("attempt", t.Attempt))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "run.started", Time: res.StartedAt, Data: RunEvent{
			RunID: res.RunID, JobID: t.JobID, FireTime: t.FireTime, Attempt: t.Attempt,
		}})
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The body runs in its own goroutine so a stuck body cannot pin the
	// worker forever. done is buffered: an abandoned body can still finish
	// and exit without a receiver.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("run.panic",
					logx.String("job", t.JobID),
					logx.String("run", res.RunID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
				done <- fault.Permanent(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- t.Run(runCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		res.TimedOut = true
		cancel()
		// Give the body a grace period to notice cancellation.
		grace := time.NewTimer(cfg.GracePeriod)
		select {
		case err = <-done:
			if !grace.Stop() {
				<-grace.C
			}
			// A body that returns cleanly inside the grace period still
			// did the work; count it as a success.
			if err == nil {
				res.TimedOut = false
			}
		case <-grace.C:
			res.Abandoned = true
			err = fault.Timeout(fmt.Errorf("attempt abandoned after %s timeout and %s grace", timeout, cfg.GracePeriod))
		}
	}

	if res.TimedOut && err != nil && fault.KindOf(err) == fault.KindUnknown {
		err = fault.Timeout(err)
	}

	res.EndedAt = time.Now()
	res.Err = err
	if err != nil {
		res.Kind = fault.KindOf(err)
	}

	ev := RunEvent{
		RunID: res.RunID, JobID: t.JobID, FireTime: t.FireTime,
		Attempt: t.Attempt, Duration: res.Duration(),
	}
	switch {
	case err == nil:
		s.log.Debug("run.succeeded",
			logx.String("job", t.JobID),
			logx.String("run", res.RunID),
			logx.Int("attempt", t.Attempt),
			logx.Duration("dur", res.Duration()))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "run.succeeded", Time: res.EndedAt, Data: ev})
		}
	case res.TimedOut:
		ev.Error = err.Error()
		s.log.Warn("run.timeout",
			logx.String("job", t.JobID),
			logx.String("run", res.RunID),
			logx.Int("attempt", t.Attempt),
			logx.Duration("timeout", timeout),
			logx.Bool("abandoned", res.Abandoned))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "run.timeout", Time: res.EndedAt, Data: ev})
		}
	default:
		ev.Error = err.Error()
		s.log.Warn("run.failed",
			logx.String("job", t.JobID),
			logx.String("run", res.RunID),
			logx.Int("attempt", t.Attempt),
			logx.String("kind", res.Kind.String()),
			logx.Any("err", err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "run.failed", Time: res.EndedAt, Data: ev})
		}
	}
	return res
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan Task) {
	atomic.AddUint64(&s.dropped, 1)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "run.rejected", Time: now, Data: RunEvent{
			JobID: t.JobID, FireTime: t.FireTime, Attempt: t.Attempt, Error: "queue_full",
		}})
	}
	if !s.log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("run rejected: queue full",
			logx.String("job", t.JobID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)))
	}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
