package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tunerd/internal/config"
	"tunerd/internal/eventbus"
	"tunerd/internal/status"
	"tunerd/internal/storage"
	"tunerd/internal/task/engine"
	logx "tunerd/pkg/logx"
)

// App is the tunerd server: a job engine fed by configured command jobs,
// with hot-reloaded config and optional run persistence.
type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	cnt   *status.Counters
	store storage.Store

	engine  *engine.Service
	session string

	stopPersist func() // closes the run subscription
	persistDone chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	session := uuid.NewString()
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	bus := eventbus.New()
	cnt := &status.Counters{}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		cnt:     cnt,
		store:   store,
		engine:  engine.New(engCfg, log, bus, cnt),
		session: session,
	}, nil
}

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Counters() *status.Counters { return a.cnt }

// Run serves until ctx is done or a component fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before anything can finish so no run is missed.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.stopPersist, a.persistDone = unsub, make(chan struct{})
		go func() {
			defer close(a.persistDone)
			a.persistRuns(events)
		}()
	}

	a.engine.Start(gctx)
	a.applyJobs(nil, a.cfgm.Get(), nil)

	reloads := a.cfgm.Subscribe(8)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(reloads)
		a.reloadLoop(gctx, reloads)
		return nil
	})
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { return a.watchdog(gctx) })

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("tunerd started", logx.String("session", a.session), logx.Int("jobs", len(a.cfgm.Get().Jobs)))

	err := g.Wait()
	reason := StopContext
	if err != nil {
		reason = StopFatal
	} else if errors.Is(context.Cause(ctx), context.Canceled) {
		reason = StopSignal
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(stopCtx, reason)
	return err
}

// reloadLoop applies published config changes: logging and engine limits
// live, jobs reconciled, storage only on restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs, jobKeys := config.SummarizeConfigChange(lastApplied, newCfg)
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			lastApplied = newCfg
			continue
		}
		a.sdNotify(daemon.SdNotifyReloading)

		for _, s := range sections {
			switch s {
			case "logging":
				a.logs.Apply(mapLogConfig(newCfg))
			case "job_engine":
				if ec, err := mapEngineConfig(newCfg); err != nil {
					a.log.Warn("invalid job_engine config; keeping previous", logx.Err(err))
				} else {
					a.engine.Apply(ec)
				}
			case "jobs":
				a.applyJobs(lastApplied, newCfg, jobKeys)
			case "storage":
				a.log.Warn("storage config changed; restart required for changes to take effect")
			}
		}
		lastApplied = newCfg

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config applied", fields...)
		a.sdNotify(daemon.SdNotifyReady)
	}
}

// Stop closes the engine, waits (bounded) for jobs to return and releases
// storage and logging. Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("taskengine", 5*time.Second, func(c context.Context) error {
		a.engine.Close()
		return a.engine.Wait(c)
	})
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.stopPersist != nil {
			a.stopPersist()
			select {
			case <-a.persistDone:
			case <-c.Done():
				return c.Err()
			}
		}
		return a.store.Close()
	})

	snap := a.cnt.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("jobs_finished", snap.JobsFinished),
		logx.Uint64("jobs_failed", snap.JobsFailed),
		logx.Uint64("jobs_retried", snap.JobsRetried),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
