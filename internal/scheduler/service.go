package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"finsched/internal/depgraph"
	"finsched/internal/eventbus"
	"finsched/internal/executor"
	"finsched/internal/fault"
	"finsched/internal/registry"
	"finsched/internal/retry"
	rtsup "finsched/internal/runtime/supervisor"
	"finsched/internal/storage"
	"finsched/internal/trigger"
	logx "finsched/pkg/logx"
)

// Service is the scheduler control loop. One goroutine owns all run state;
// workers report outcomes over the executor's result channel and never touch
// it directly.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	reg    *registry.Registry
	graph  *depgraph.Graph
	store  storage.Store // nil when persistence is disabled
	exec   *executor.Service
	bodies BodyResolver

	// mu guards everything below. The control loop holds it per tick;
	// Register/Unregister/Snapshot take it from other goroutines.
	mu        sync.Mutex
	rc        *retry.Controller
	queue     runQueue
	nextDue   map[string]time.Time
	inFlight  map[retry.Key]registry.JobDefinition
	succeeded map[retry.Key]bool
	lastFire  map[string]time.Time // job -> most recent successful fire time
	warned    map[retry.Key]bool
	lastPrune time.Time

	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, exec *executor.Service, bodies BodyResolver) *Service {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("unknown timezone, using UTC", logx.String("tz", cfg.Timezone))
		loc = time.UTC
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		loc:       loc,
		reg:       registry.New(),
		graph:     depgraph.New(),
		store:     store,
		exec:      exec,
		bodies:    bodies,
		rc:        retry.NewController(cfg.Seed),
		nextDue:   map[string]time.Time{},
		inFlight:  map[retry.Key]registry.JobDefinition{},
		succeeded: map[retry.Key]bool{},
		lastFire:  map[string]time.Time{},
		warned:    map[retry.Key]bool{},
		lastPrune: time.Now(),
	}
}

// Registry exposes the job registry for read access (diagnostics, tests).
func (s *Service) Registry() *registry.Registry { return s.reg }

// Register validates and commits a job definition: schedule parse, graph
// insert (cycle check), registry store, persistence. Nothing is committed
// when any step fails.
func (s *Service) Register(def registry.JobDefinition) (registry.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(def, true)
}

// RegisterAll registers definitions in dependency order, so callers can pass
// them in any order. Definitions whose dependencies never materialize are
// reported in the returned error after everything registrable is committed.
func (s *Service) RegisterAll(defs []registry.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := append([]registry.JobDefinition(nil), defs...)
	var firstErr error
	for len(pending) > 0 {
		progressed := false
		next := pending[:0]
		for _, def := range pending {
			ready := true
			for _, d := range def.DependsOn {
				if _, ok := s.reg.Get(d); !ok {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, def)
				continue
			}
			if _, err := s.register(def, true); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				s.log.Error("job registration failed", logx.String("job", def.ID), logx.Err(err))
			}
			progressed = true
		}
		if !progressed {
			for _, def := range next {
				err := fmt.Errorf("job %q: unresolved dependencies %v", def.ID, def.DependsOn)
				if firstErr == nil {
					firstErr = err
				}
				s.log.Error("job registration failed", logx.String("job", def.ID), logx.Err(err))
			}
			break
		}
		pending = append([]registry.JobDefinition(nil), next...)
	}
	return firstErr
}

func (s *Service) register(def registry.JobDefinition, persist bool) (registry.JobDefinition, error) {
	// Parse up front so a bad expression never touches the graph.
	if def.Schedule.IsZero() {
		sched, err := trigger.Parse(def.ScheduleExpr)
		if err != nil {
			return registry.JobDefinition{}, fmt.Errorf("job %q: %w", def.ID, err)
		}
		def.Schedule = sched
		def.ScheduleExpr = sched.Raw()
	}

	fresh := !s.graph.Contains(def.ID)
	if fresh {
		if err := s.graph.Add(def.ID, def.DependsOn); err != nil {
			return registry.JobDefinition{}, err
		}
	} else if !equalStrings(s.graph.Deps(def.ID), def.DependsOn) {
		old := s.graph.Deps(def.ID)
		if err := s.graph.Remove(def.ID); err != nil {
			return registry.JobDefinition{}, fmt.Errorf("job %q: cannot change dependencies: %w", def.ID, err)
		}
		if err := s.graph.Add(def.ID, def.DependsOn); err != nil {
			_ = s.graph.Add(def.ID, old)
			return registry.JobDefinition{}, err
		}
	}

	stored, err := s.reg.Register(def)
	if err != nil {
		if fresh {
			_ = s.graph.Remove(def.ID)
		}
		return registry.JobDefinition{}, err
	}

	now := time.Now().In(s.loc)
	next, err := stored.Schedule.Next(now)
	if err != nil {
		if fresh {
			_ = s.graph.Remove(stored.ID)
		}
		s.reg.Unregister(stored.ID)
		return registry.JobDefinition{}, fmt.Errorf("job %q: %w", stored.ID, err)
	}
	if next.IsZero() {
		// Spent one-shot: keep it registered, it just never fires.
		delete(s.nextDue, stored.ID)
		s.log.Debug("job registered with spent schedule", logx.String("job", stored.ID))
	} else {
		s.nextDue[stored.ID] = next
	}

	if persist && s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.SaveJobDefinition(ctx, stored)
		cancel()
		if err != nil {
			s.log.Error("job definition not persisted",
				logx.String("job", stored.ID),
				logx.String("kind", fault.KindPersistence.String()),
				logx.Err(err))
		}
	}

	s.log.Info("job registered",
		logx.String("job", stored.ID),
		logx.Int("version", stored.Version),
		logx.String("schedule", stored.ScheduleExpr),
		logx.Any("depends_on", stored.DependsOn),
		logx.Time("next_fire", next))
	return stored, nil
}

// Unregister removes a job. It fails while other jobs depend on it.
func (s *Service) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.graph.Remove(id); err != nil {
		return err
	}
	s.reg.Unregister(id)
	delete(s.nextDue, id)
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.DeleteJobDefinition(ctx, id)
		cancel()
		if err != nil {
			s.log.Error("job definition not deleted from storage", logx.String("job", id), logx.Err(err))
		}
	}
	s.log.Info("job unregistered", logx.String("job", id))
	return nil
}

// Recover rebuilds scheduler state from storage: job definitions not already
// registered, completed runs (never re-run a recorded success), and retry
// state for runs the previous process left unfinished.
func (s *Service) Recover(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.store.LoadJobDefinitions(ctx)
	if err != nil {
		return fault.WithKind(fault.KindPersistence, err)
	}
	pending := defs
	for len(pending) > 0 {
		progressed := false
		next := pending[:0]
		for _, def := range pending {
			if _, ok := s.reg.Get(def.ID); ok {
				progressed = true
				continue
			}
			ready := true
			for _, d := range def.DependsOn {
				if _, ok := s.reg.Get(d); !ok {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, def)
				continue
			}
			if _, err := s.register(def, false); err != nil {
				s.log.Warn("persisted job not restored", logx.String("job", def.ID), logx.Err(err))
			}
			progressed = true
		}
		if !progressed {
			for _, def := range next {
				s.log.Warn("persisted job not restored: unresolved dependencies",
					logx.String("job", def.ID), logx.Any("depends_on", def.DependsOn))
			}
			break
		}
		pending = append([]registry.JobDefinition(nil), next...)
	}

	hist, err := s.store.LoadRunHistory(ctx, "", s.cfg.DependencyLookback)
	if err != nil {
		return fault.WithKind(fault.KindPersistence, err)
	}

	type runState struct {
		fire      time.Time
		attempts  int
		succeeded bool
		terminal  bool
		lastKind  fault.Kind
	}
	runs := map[retry.Key]*runState{}
	for _, rec := range hist {
		key := retry.KeyOf(rec.JobID, rec.FireTime)
		st := runs[key]
		if st == nil {
			st = &runState{fire: rec.FireTime}
			runs[key] = st
		}
		if rec.Attempt > st.attempts {
			st.attempts = rec.Attempt
		}
		switch rec.Outcome {
		case storage.OutcomeSucceeded:
			st.succeeded = true
		case storage.OutcomeSkipped:
			st.terminal = true
		default:
			// History is oldest-first, so this ends up holding the kind of
			// the final failure.
			st.lastKind = fault.ParseKind(rec.ErrorKind)
		}
	}

	now := time.Now().In(s.loc)
	resumed := 0
	for key, st := range runs {
		if st.succeeded {
			s.succeeded[key] = true
			if st.fire.After(s.lastFire[key.JobID]) {
				s.lastFire[key.JobID] = st.fire
			}
			continue
		}
		if st.terminal {
			continue
		}
		def, ok := s.reg.Get(key.JobID)
		if !ok {
			continue
		}
		if st.attempts >= def.Retry.MaxAttempts {
			// Already exhausted before the restart.
			continue
		}
		if st.lastKind != fault.KindUnknown && !def.Retry.Retryable(st.lastKind) {
			// The last failure was non-retryable: the run escalated before
			// the restart and must not come back for another attempt.
			continue
		}
		nextRetry := now.Add(def.Retry.Delay(st.attempts, nil))
		s.rc.Resume(key.JobID, st.fire, st.attempts, nextRetry)
		s.queue.push(&queuedRun{
			jobID:   key.JobID,
			fire:    st.fire,
			due:     nextRetry,
			attempt: st.attempts + 1,
		})
		resumed++
	}
	if resumed > 0 || len(defs) > 0 {
		s.log.Info("state recovered from storage",
			logx.Int("jobs", len(defs)),
			logx.Int("completed_runs", len(s.succeeded)),
			logx.Int("resumed_runs", resumed))
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.run)
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.String("tz", s.loc.String()),
		logx.Duration("dependency_max_wait", s.cfg.DependencyMaxWait))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-s.exec.Results():
			s.onResult(res)
		case <-ticker.C:
			s.tick(time.Now().In(s.loc))
		}
	}
}

// tick advances triggers, dispatches due runs, and does housekeeping.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advanceTriggers(now)
	s.dispatchDue(now)
	s.housekeep(now)
}

func (s *Service) advanceTriggers(now time.Time) {
	// Collect first: map iteration order is random, and runs due on the same
	// tick must enqueue in dependency order with ties broken by job id.
	fires := map[string]time.Time{}
	for id, due := range s.nextDue {
		if due.After(now) {
			continue
		}
		def, ok := s.reg.Get(id)
		if !ok {
			delete(s.nextDue, id)
			continue
		}
		fires[id] = due

		// Advance from now, not from the fire time: fires missed while the
		// process was down or stalled are skipped, not replayed.
		next, err := def.Schedule.Next(now)
		if err != nil {
			s.log.Warn("schedule stopped producing fire times",
				logx.String("job", id), logx.Err(err))
			delete(s.nextDue, id)
			continue
		}
		if next.IsZero() {
			delete(s.nextDue, id) // spent one-shot
			continue
		}
		s.nextDue[id] = next
	}
	if len(fires) == 0 {
		return
	}

	due := make([]string, 0, len(fires))
	for id := range fires {
		due = append(due, id)
	}
	for _, id := range s.graph.Order(due) {
		fire := fires[id]
		if !s.succeeded[retry.KeyOf(id, fire)] {
			s.queue.push(&queuedRun{jobID: id, fire: fire, due: fire, attempt: 1})
		}
	}
}

func (s *Service) dispatchDue(now time.Time) {
	for {
		it := s.queue.peek()
		if it == nil || it.due.After(now) {
			return
		}
		it = s.queue.pop()
		key := retry.KeyOf(it.jobID, it.fire)
		if s.succeeded[key] || s.has(key) {
			continue
		}
		def, ok := s.reg.Get(it.jobID)
		if !ok {
			s.rc.Succeed(it.jobID, it.fire) // drop stale retry state
			delete(s.warned, key)
			continue
		}

		if !s.graph.IsReady(it.jobID, it.fire, s.depSatisfied) {
			waited := now.Sub(it.fire)
			if waited >= s.cfg.DependencyMaxWait {
				s.skipRun(now, it, waited)
				continue
			}
			if waited >= s.cfg.DependencyGrace && !s.warned[key] {
				s.warned[key] = true
				s.log.Warn("run waiting on dependencies",
					logx.String("job", it.jobID),
					logx.Time("fire", it.fire),
					logx.Duration("waited", waited),
					logx.Any("missing", s.missingDeps(it.jobID, it.fire)))
			}
			it.due = now.Add(s.cfg.Tick)
			s.queue.push(it)
			continue
		}

		body, err := s.bodies.Resolve(def.Body)
		if err != nil {
			s.failSynthetic(now, it, def, fault.Permanent(fmt.Errorf("body %s: %w", def.Body, err)))
			continue
		}

		attempt := 1
		if st, ok := s.rc.Lookup(it.jobID, it.fire); ok {
			attempt = st.Attempts + 1
		}
		task := executor.Task{
			JobID:    it.jobID,
			FireTime: it.fire,
			Attempt:  attempt,
			Timeout:  def.Timeout,
			Run:      body,
		}
		if err := s.exec.Enqueue(task); err != nil {
			// Queue pressure or engine stopping: try again next tick.
			it.due = now.Add(s.cfg.Tick)
			s.queue.push(it)
			s.log.Debug("dispatch deferred", logx.String("job", it.jobID), logx.Err(err))
			continue
		}
		s.rc.Begin(it.jobID, it.fire)
		s.inFlight[key] = def
		delete(s.warned, key)
	}
}

// onResult applies one attempt outcome: retry decision, persistence,
// monitoring events.
func (s *Service) onResult(res executor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().In(s.loc)
	key := retry.KeyOf(res.JobID, res.FireTime)
	def, wasInFlight := s.inFlight[key]
	delete(s.inFlight, key)

	rec := storage.RunRecord{
		RunID:     res.RunID,
		JobID:     res.JobID,
		FireTime:  res.FireTime,
		Attempt:   res.Attempt,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
	}

	switch {
	case res.Succeeded():
		rec.Outcome = storage.OutcomeSucceeded
		s.rc.Succeed(res.JobID, res.FireTime)
		s.succeeded[key] = true
		if res.FireTime.After(s.lastFire[res.JobID]) {
			s.lastFire[res.JobID] = res.FireTime
		}

	default:
		rec.Outcome = storage.OutcomeFailed
		if res.TimedOut {
			rec.Outcome = storage.OutcomeTimedOut
		}
		rec.ErrorKind = res.Kind.String()
		rec.Error = res.Err.Error()

		if !wasInFlight {
			// Job was unregistered while running; nothing to retry against.
			s.rc.Succeed(res.JobID, res.FireTime)
			s.escalate(now, res.JobID, res.FireTime, res.Attempt, res.Kind, res.Err)
			break
		}

		dec := s.rc.Fail(res.JobID, res.FireTime, res.Kind, def.Retry, now)
		if dec.Retry {
			s.queue.push(&queuedRun{
				jobID:   res.JobID,
				fire:    res.FireTime,
				due:     dec.NextRetry,
				attempt: res.Attempt + 1,
			})
			s.log.Info("retry scheduled",
				logx.String("job", res.JobID),
				logx.Int("failed_attempt", res.Attempt),
				logx.Duration("delay", dec.Delay),
				logx.String("kind", res.Kind.String()))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "run.retry", Time: now, Data: RetryEvent{
					JobID:     res.JobID,
					FireTime:  res.FireTime,
					Attempt:   res.Attempt + 1,
					Delay:     dec.Delay,
					NextRetry: dec.NextRetry,
				}})
			}
		} else {
			s.escalate(now, res.JobID, res.FireTime, res.Attempt, res.Kind, res.Err)
		}
	}

	s.persist(&rec)
}

// skipRun abandons a run whose dependencies never became ready inside the
// max-wait window.
func (s *Service) skipRun(now time.Time, it *queuedRun, waited time.Duration) {
	key := retry.KeyOf(it.jobID, it.fire)
	missing := s.missingDeps(it.jobID, it.fire)
	s.rc.Succeed(it.jobID, it.fire)
	delete(s.warned, key)

	s.log.Warn("run skipped: dependencies not satisfied",
		logx.String("job", it.jobID),
		logx.Time("fire", it.fire),
		logx.Duration("waited", waited),
		logx.Any("missing", missing))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "run.skipped", Time: now, Data: SkipEvent{
			JobID:    it.jobID,
			FireTime: it.fire,
			Waited:   waited,
			Missing:  missing,
		}})
	}

	rec := storage.RunRecord{
		RunID:     uuid.NewString(),
		JobID:     it.jobID,
		FireTime:  it.fire,
		Attempt:   0,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   storage.OutcomeSkipped,
		ErrorKind: fault.KindDependencyNotSatisfied.String(),
		Error:     fmt.Sprintf("dependencies not satisfied after %s: %v", waited.Round(time.Second), missing),
	}
	s.persist(&rec)
}

// failSynthetic records a failure that happened before any attempt could run
// (unresolvable body). The retry controller still decides, so a permanent
// cause escalates immediately.
func (s *Service) failSynthetic(now time.Time, it *queuedRun, def registry.JobDefinition, err error) {
	kind := fault.KindOf(err)
	dec := s.rc.Fail(it.jobID, it.fire, kind, def.Retry, now)
	rec := storage.RunRecord{
		RunID:     uuid.NewString(),
		JobID:     it.jobID,
		FireTime:  it.fire,
		Attempt:   it.attempt,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   storage.OutcomeFailed,
		ErrorKind: kind.String(),
		Error:     err.Error(),
	}
	if dec.Retry {
		s.queue.push(&queuedRun{jobID: it.jobID, fire: it.fire, due: dec.NextRetry, attempt: it.attempt + 1})
	} else {
		s.escalate(now, it.jobID, it.fire, it.attempt, kind, err)
	}
	s.persist(&rec)
}

func (s *Service) escalate(now time.Time, jobID string, fire time.Time, attempts int, kind fault.Kind, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.log.Error("run exhausted",
		logx.String("job", jobID),
		logx.Time("fire", fire),
		logx.Int("attempts", attempts),
		logx.String("kind", kind.String()),
		logx.String("err", msg))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "run.exhausted", Time: now, Data: EscalationEvent{
			JobID:    jobID,
			FireTime: fire,
			Attempts: attempts,
			Kind:     kind.String(),
			Error:    msg,
		}})
	}
}

// persist appends a run record. A persistence failure degrades the record
// instead of stopping the scheduler.
func (s *Service) persist(rec *storage.RunRecord) {
	defer func() {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "run.recorded", Time: rec.EndedAt, Data: *rec})
		}
	}()
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.store.AppendRunRecord(ctx, *rec)
	cancel()
	if err != nil {
		rec.Degraded = true
		s.log.Error("run record not persisted",
			logx.String("job", rec.JobID),
			logx.String("run", rec.RunID),
			logx.String("kind", fault.KindPersistence.String()),
			logx.Err(err))
	}
}

func (s *Service) housekeep(now time.Time) {
	if now.Sub(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = now

	// Completed-run dedup entries older than the lookback can never match a
	// dispatch again.
	horizon := now.Add(-s.cfg.DependencyLookback).UnixNano()
	for key := range s.succeeded {
		if key.FireUnix < horizon {
			delete(s.succeeded, key)
		}
	}
	for key := range s.warned {
		if key.FireUnix < horizon {
			delete(s.warned, key)
		}
	}

	if s.store != nil && s.cfg.Retention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.PruneRunRecords(ctx, now.Add(-s.cfg.Retention))
		cancel()
		if err != nil {
			s.log.Warn("run history prune failed", logx.Err(err))
		}
	}
}

// depSatisfied reports whether dep has a success recent enough to unblock a
// run firing at asOf. Successes older than the lookback belong to a previous
// cycle and do not count; a success after asOf (late upstream) does.
func (s *Service) depSatisfied(dep string, asOf time.Time) bool {
	last, ok := s.lastFire[dep]
	if !ok {
		return false
	}
	return last.After(asOf.Add(-s.cfg.DependencyLookback))
}

func (s *Service) missingDeps(jobID string, asOf time.Time) []string {
	var missing []string
	for _, d := range s.graph.Deps(jobID) {
		if !s.depSatisfied(d, asOf) {
			missing = append(missing, d)
		}
	}
	return missing
}

func (s *Service) has(key retry.Key) bool {
	_, ok := s.inFlight[key]
	return ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	fires := make(map[string]time.Time, len(s.nextDue))
	for id, t := range s.nextDue {
		fires[id] = t
	}
	return Snapshot{
		Jobs:      s.reg.Len(),
		Queued:    s.queue.Len(),
		InFlight:  len(s.inFlight),
		Retrying:  s.rc.Len(),
		NextFires: fires,
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
