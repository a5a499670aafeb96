// Package app wires configuration, storage, the executor, the scheduler core
// and monitoring into one process and owns startup/shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"finsched/internal/config"
	"finsched/internal/eventbus"
	"finsched/internal/executor"
	"finsched/internal/jobs"
	"finsched/internal/monitor"
	"finsched/internal/registry"
	rtsup "finsched/internal/runtime/supervisor"
	"finsched/internal/scheduler"
	"finsched/internal/storage"
	logx "finsched/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	store  storage.Store
	bodies *jobs.Registry
	exec   *executor.Service
	sched  *scheduler.Service
	mon    *monitor.Service

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := openStore(cfg, logSvc.Logger())
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bodies := jobs.NewRegistry()
	collabTimeout, err := config.ParseDurationField("collaborators.timeout", cfg.Collaborators.Timeout)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	jobs.RegisterBuiltins(bodies, jobs.Config{
		IngestionURL: cfg.Collaborators.IngestionURL,
		MLURL:        cfg.Collaborators.MLURL,
		ReportURL:    cfg.Collaborators.ReportURL,
		Timeout:      collabTimeout,
	}, logSvc.Logger().With(logx.String("comp", "jobs")))

	execCfg, err := mapExecutor(cfg.Executor)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	exec := executor.New(execCfg, logSvc.Logger().With(logx.String("comp", "executor")), bus)

	schedCfg, err := mapScheduler(cfg.Scheduler)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, logSvc.Logger().With(logx.String("comp", "scheduler")), bus, store, exec, bodies)

	var mon *monitor.Service
	if cfg.Monitoring != nil {
		monTimeout, err := config.ParseDurationField("monitoring.timeout", cfg.Monitoring.Timeout)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		mon = monitor.New(monitor.Config{
			WebhookURL: cfg.Monitoring.WebhookURL,
			RatePerSec: cfg.Monitoring.RatePerSec,
			QueueSize:  cfg.Monitoring.QueueSize,
			Timeout:    monTimeout,
		}, logSvc.Logger().With(logx.String("comp", "monitor")), bus)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		bodies:  bodies,
		exec:    exec,
		sched:   sched,
		mon:     mon,
	}, nil
}

// Scheduler exposes the core for operational tooling.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
}

func mapExecutor(ec config.ExecutorConfig) (executor.Config, error) {
	timeout, err := config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	grace, err := config.ParseDurationField("executor.grace_period", ec.GracePeriod)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		GracePeriod:    grace,
	}, nil
}

func mapScheduler(sc config.SchedulerConfig) (scheduler.Config, error) {
	var cfg scheduler.Config
	var err error
	if cfg.Tick, err = config.ParseDurationField("scheduler.tick", sc.Tick); err != nil {
		return cfg, err
	}
	if cfg.DependencyGrace, err = config.ParseDurationField("scheduler.dependency_grace", sc.DependencyGrace); err != nil {
		return cfg, err
	}
	if cfg.DependencyMaxWait, err = config.ParseDurationField("scheduler.dependency_max_wait", sc.DependencyMaxWait); err != nil {
		return cfg, err
	}
	if cfg.DependencyLookback, err = config.ParseDurationField("scheduler.dependency_lookback", sc.DependencyLookback); err != nil {
		return cfg, err
	}
	if cfg.Retention, err = config.ParseDurationField("scheduler.retention", sc.Retention); err != nil {
		return cfg, err
	}
	cfg.Timezone = sc.Timezone
	return cfg, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: a bad file or a cyclic job set must never
	// replace the running configuration.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := schedulerTimezoneValid(cfg.Scheduler.Timezone); err != nil {
			return err
		}
		if _, err := mapExecutor(cfg.Executor); err != nil {
			return err
		}
		if _, err := mapScheduler(cfg.Scheduler); err != nil {
			return err
		}
		defs, err := mapJobs(cfg.Jobs)
		if err != nil {
			return err
		}
		return checkGraph(defs)
	})

	a.exec.Start(a.sup.Context())

	// Recovery first: persisted definitions and run history rebuild the
	// retry/readiness state, then the config's job list re-registers on top
	// (bumping versions where definitions changed).
	if a.store != nil {
		rctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
		err := a.sched.Recover(rctx)
		cancel()
		if err != nil {
			return fmt.Errorf("recover persisted state: %w", err)
		}
	}
	cfg := a.cfgm.Get()
	defs, err := mapJobs(cfg.Jobs)
	if err != nil {
		return err
	}
	if err := a.sched.RegisterAll(defs); err != nil {
		return err
	}

	a.sched.Start(a.sup.Context())
	if a.mon != nil {
		a.mon.Start(a.sup.Context())
	}

	// Hot-reload fanout.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemd()

	a.log.Info("started",
		logx.Int("jobs", len(defs)),
		logx.Bool("persistence", a.store != nil),
		logx.Bool("monitoring", a.mon != nil))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyReload(old, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})

	// The validator already vetted the job list, so mapping cannot fail here
	// short of a race with the file; log and keep the old set if it does.
	defs, err := mapJobs(cfg.Jobs)
	if err != nil {
		a.log.Warn("config reload: job mapping failed", logx.Err(err))
		return
	}
	if err := a.sched.RegisterAll(defs); err != nil {
		a.log.Warn("config reload: registration failed", logx.Err(err))
		return
	}

	// Drop jobs removed from the config. Removal is best-effort: a job that
	// still has dependents stays until its dependents go too.
	for _, removed := range removedJobIDs(old, cfg) {
		if err := a.sched.Unregister(removed); err != nil {
			a.log.Warn("config reload: unregister failed",
				logx.String("job", removed), logx.Err(err))
		} else {
			a.log.Info("job removed via config", logx.String("job", removed))
		}
	}

	a.log.Info("config reloaded", logx.Int("jobs", len(defs)))
}

func removedJobIDs(old, cfg *config.Config) []string {
	if old == nil {
		return nil
	}
	keep := map[string]bool{}
	for _, j := range cfg.Jobs {
		keep[j.ID] = true
	}
	var out []string
	for _, j := range old.Jobs {
		if !keep[j.ID] {
			out = append(out, j.ID)
		}
	}
	return out
}

// notifySystemd signals readiness and, when the unit has WatchdogSec set,
// starts the keep-alive loop. Both are no-ops outside systemd.
func (a *App) notifySystemd() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog setup failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	// Scheduler first so nothing new is dispatched, then the executor drains
	// in-flight attempts, then monitoring flushes its alert queue.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("executor", 5*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	if a.mon != nil {
		step("monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if a.store != nil {
		step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// RegisterJobs adds or replaces definitions at runtime, outside the config
// file (operational tooling, tests).
func (a *App) RegisterJobs(defs ...registry.JobDefinition) error {
	return a.sched.RegisterAll(defs)
}
