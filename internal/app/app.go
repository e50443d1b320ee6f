package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/chjohnst/Tron/internal/config"
	"github.com/chjohnst/Tron/internal/eventbus"
	"github.com/chjohnst/Tron/internal/mcp"
	"github.com/chjohnst/Tron/internal/metrics"
	"github.com/chjohnst/Tron/internal/observability/httpd"
	"github.com/chjohnst/Tron/internal/runtime/supervisor"
	"github.com/chjohnst/Tron/internal/storage"
	"github.com/chjohnst/Tron/internal/task/engine"
	"github.com/chjohnst/Tron/internal/task/scheduler"
	logx "github.com/chjohnst/Tron/pkg/logx"
)

// NotifyFunc reports service state to the init system. It matches
// daemon.SdNotify with unsetEnvironment=false.
type NotifyFunc func(state string) (bool, error)

type Option func(*App)

// WithExecutor replaces the local shell executor.
func WithExecutor(exec engine.Executor) Option { return func(a *App) { a.exec = exec } }

// WithNotify replaces the systemd notifier.
func WithNotify(fn NotifyFunc) Option { return func(a *App) { a.notify = fn } }

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg     *mcp.Engine
	engine  *engine.Service
	timer   *scheduler.Service
	metrics *metrics.Collector
	http    *httpd.Server
	persist *persister

	exec   engine.Executor
	notify NotifyFunc
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	for _, o := range opts {
		o(a)
	}

	a.cfgm = config.NewConfigManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(context.Background(), cfg, nil); err != nil {
		return nil, err
	}

	var log logx.Logger
	a.logs, log = logx.New(mapLogConfig(cfg))
	a.log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	a.bus = bus

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		sc.KeepRuns = keepRuns(cfg)
		if a.store, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.metrics = metrics.New(log)
	a.metrics.CountBusDrops(bus)
	a.reg = mcp.New(mcp.Options{Emitter: a.bus, Logger: log, KeepRuns: keepRuns(cfg)})

	engCfg, shell, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.exec == nil {
		a.exec = engine.ShellExecutor{Shell: shell}
	}
	a.engine = engine.New(engCfg, a.exec, log, a.bus)
	a.timer = scheduler.New(scheduler.Config{}, a.reg, a.engine, log, a.bus)

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpd.New(httpCfg, a.metrics.Handler(), a.health, log)
	a.http.Handle("/status", a.statusHandler())

	if a.store != nil {
		a.persist = newPersister(a.store, a.reg, a.bus, log)
	}
	return a, nil
}

// Registry exposes the job registry.
func (a *App) Registry() *mcp.Engine { return a.reg }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if err := a.Err(); err != nil {
		return err
	}
	if !a.engine.Snapshot().Running {
		return errors.New("dispatcher not running")
	}
	if !a.timer.Running() {
		return errors.New("timers not running")
	}
	return nil
}

// Start loads the job registry, restores persisted state and starts the
// dispatcher, the timers and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		err := ValidateConfig(c, cfg, a.reg)
		if err != nil {
			a.bus.Publish(eventbus.Event{Type: eventbus.ConfigRejected, Data: mcp.ApplyEvent{Reconfigure: true, Err: err.Error()}})
		}
		return err
	})

	cfg := a.cfgm.Get()
	res, err := a.reg.Apply(cfg, false)
	if err != nil {
		return err
	}
	a.log.Info("jobs loaded", logx.Int("jobs", len(res.Added)))

	if a.store != nil {
		if err := a.restore(runCtx); err != nil {
			return err
		}
		a.sup.Go("storage.persist", a.persist.Run)
	}
	a.metrics.SetJobs(a.reg.Len())
	a.sup.Go("metrics.observe", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	a.engine.Start(runCtx)
	a.timer.Start(runCtx)
	a.http.Start(runCtx)

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("jobs", a.reg.Len()))
	return nil
}

func (a *App) restore(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := a.store.Load(loadCtx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	restored, stale := a.reg.Restore(st)
	for _, name := range stale {
		if err := a.store.DeleteJob(loadCtx, name); err != nil {
			a.log.Warn("stale job not deleted", logx.String("job", name), logx.Err(err))
		}
	}
	if err := a.persist.Flush(loadCtx); err != nil {
		a.log.Warn("state flush failed", logx.Err(err))
	}
	a.log.Info("state restored", logx.Int("jobs", restored), logx.Strings("stale", stale))
	return nil
}

// startWatchdog pings the systemd watchdog at half its interval while the
// app is healthy.
func (a *App) startWatchdog() {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if a.health() == nil {
					_, _ = a.notify(daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyReload(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyReload(c context.Context, prev, next *config.Config) {
	_, _ = a.notify(daemon.SdNotifyReloading)
	defer func() { _, _ = a.notify(daemon.SdNotifyReady) }()

	sections, attrs, jobs := config.SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if engCfg, _, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	res, err := a.reg.Apply(next, true)
	if err != nil {
		// Validation normally rejects this before commit; the registry is untouched.
		a.log.Error("reconfiguration rejected", logx.Err(err))
		return
	}
	a.timer.Sync()
	a.metrics.SetJobs(a.reg.Len())

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		fields = append(fields, logx.Int("added", len(res.Added)), logx.Int("updated", len(res.Updated)), logx.Int("removed", len(res.Removed)))
		if !jobs.Empty() {
			fields = append(fields, logx.Strings("jobs_changed", jobs.Changed))
		}
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify(daemon.SdNotifyStopping)

	// Timers go first so nothing new is dispatched while workers drain.
	a.step(ctx, "timer", 2*time.Second, func(c context.Context) error { a.timer.Stop(c); return nil })
	a.step(ctx, "dispatch", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "httpd", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if a.store != nil {
		a.step(ctx, "storage", 5*time.Second, func(c context.Context) error {
			a.persist.Close()
			return errors.Join(a.persist.Flush(c), a.store.Close())
		})
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
