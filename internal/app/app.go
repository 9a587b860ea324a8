// Package app wires the daemon together: config manager, logging service,
// tracking store, job pipeline, scheduler and retention reaper.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"summaryd/internal/config"
	"summaryd/internal/jobs"
	"summaryd/internal/prefs"
	"summaryd/internal/scheduler"
	"summaryd/internal/tracking"
	logx "summaryd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  tracking.Store
	jobs   *jobs.Service
	sched  *scheduler.Service
	reaper *tracking.Reaper

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := tracking.Open(scfg, log.With(logx.String("comp", "tracking")))
	if err != nil {
		return nil, err
	}
	log.Info("tracking store opened", logx.String("driver", driverName(scfg.Driver)))

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	jobsSvc := jobs.New(jcfg, store, log.With(logx.String("comp", "jobs")))

	// The daily summary hand-off: an external command when configured, a log
	// line otherwise (useful for dry runs).
	if len(cfg.Jobs.Command) > 0 {
		jobsSvc.Register(scheduler.JobKindDailySummary,
			jobs.CommandHandler(cfg.Jobs.Command, log.With(logx.String("comp", "jobs"))))
	} else {
		jobsSvc.Register(scheduler.JobKindDailySummary,
			jobs.LogHandler(log.With(logx.String("comp", "jobs"))))
	}

	schCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	src := prefs.NewFileSource(cfg.Preferences.Path, log.With(logx.String("comp", "prefs")))
	schedSvc := scheduler.New(schCfg, src, jobsSvc, store, log.With(logx.String("comp", "scheduler")))

	var reaper *tracking.Reaper
	if cfg.Reaper.Enabled == nil || *cfg.Reaper.Enabled {
		reaper = tracking.NewReaper(cfg.Reaper.Spec, store, log.With(logx.String("comp", "reaper")))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		jobs:    jobsSvc,
		sched:   schedSvc,
		reaper:  reaper,
	}, nil
}

// Scheduler exposes the scheduler for diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The run context is deliberately detached from the caller's context.
	// The caller's context is typically signal-bound; tying component
	// lifetimes to it would cancel an in-flight tick's store and enqueue
	// calls the moment SIGTERM arrives, leaving a job enqueued without its
	// tracking record. Stop sequences cancellation explicitly instead.
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg)
	})

	a.jobs.Start(runCtx)
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled in config; no jobs will be scheduled")
	}
	if a.reaper != nil {
		if err := a.reaper.Start(runCtx); err != nil {
			a.log.Warn("reaper failed to start; retention cleanup disabled", logx.Err(err))
		}
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	// Best effort; a no-op outside systemd.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("daemon started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Scheduler first, on the still-live run context, so an in-flight tick
	// finishes its enqueue->track pair instead of failing MarkScheduled on a
	// canceled context. Then the workers drain, then the run context goes,
	// then the store closes under nothing else's feet.
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	if a.reaper != nil {
		a.step(ctx, "reaper", 2*time.Second, func(c context.Context) error {
			a.reaper.Stop(c)
			return nil
		})
	}
	a.step(ctx, "jobs", 10*time.Second, func(c context.Context) error {
		a.jobs.Stop(c)
		return nil
	})
	a.cancel()
	a.step(ctx, "store", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("config loops did not exit before deadline")
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown phase with an upper bound so a single component
// can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
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
		} else {
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}
