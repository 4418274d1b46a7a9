package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminderd/internal/api/httpapi"
	"reminderd/internal/config"
	"reminderd/internal/delivery"
	"reminderd/internal/digest"
	"reminderd/internal/eventbus"
	"reminderd/internal/extract"
	"reminderd/internal/notifier"
	"reminderd/internal/observability/metrics"
	rtsup "reminderd/internal/runtime/supervisor"
	"reminderd/internal/service"
	"reminderd/internal/storage"
	"reminderd/internal/sweeper"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

const sweepJob = "sweep"

type App struct {
	cfgPath string
	opts    options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	ext    *extract.Extractor
	engine *engine.Service
	sched  *scheduler.Service
	disp   *notifier.Dispatcher
	guard  *delivery.Guard
	sw     *sweeper.Sweeper
	svc    *service.Service
	http   *httpapi.Server
	mx     *metrics.Provider

	// digest and httpOn are only touched by Start and the reload loop.
	digest *digest.Digest
	httpOn bool
}

type options struct {
	stderrLogs bool
	// forceHTTPOff keeps the HTTP surface closed regardless of config.
	forceHTTPOff bool
}

type Option func(*options)

// WithStderrLogs sends console logs to stderr so stdout stays free for a
// protocol such as MCP stdio.
func WithStderrLogs() Option { return func(o *options) { o.stderrLogs = true } }

// WithoutHTTP disables the HTTP API even when the config enables it.
func WithoutHTTP() Option { return func(o *options) { o.forceHTTPOff = true } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The alert sink needs the dispatcher, which needs a logger; attach it
	// once the dispatcher exists.
	logSvc, log := logx.New(mapLogConfig(cfg, o.stderrLogs), nil)
	log = log.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return logSvc.Logger().With(logx.String("comp", name)) }

	a := &App{cfgPath: cfgPath, opts: o, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg, comp); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, comp func(string) logx.Logger) (err error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, comp("storage")); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err != nil {
			_ = a.store.Close()
		}
	}()
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	senders, err := buildSenders(cfg, comp("transport"))
	if err != nil {
		return err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = notifier.New(ncfg, comp("notifier"), a.bus, senders...)
	a.logs.SetAlerter(a.disp)

	ecfg, err := mapExtractConfig(cfg)
	if err != nil {
		return err
	}
	a.ext = extract.New(ecfg, extract.NewWhenParser(), comp("extract"))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, comp("engine"), a.bus)

	loc := ecfg.Location
	a.guard = delivery.New(a.store, a.disp, comp("delivery"), a.bus, delivery.WithLocation(loc))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, func(id string) error {
		return a.engine.Submit(a.guard.Job(id))
	}, comp("scheduler"))

	swCfg, err := mapSweeperConfig(cfg)
	if err != nil {
		return err
	}
	a.sw = sweeper.New(swCfg, a.store, a.guard, a.engine.Submit, comp("sweeper"), a.bus)

	a.svc = service.New(service.Deps{
		Store:      a.store,
		Extractor:  a.ext,
		Timers:     a.sched,
		Reverter:   a.guard,
		Dispatcher: a.disp,
		Log:        comp("service"),
		Bus:        a.bus,
		Location:   loc,
	}, mapServiceConfig(cfg))

	a.digest = digest.New(mapDigestConfig(cfg, loc), a.store, a.disp, comp("digest"))

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, a.svc, comp("http"))
	a.http.Health = a.health

	mcfg, err := mapMetricsConfig(cfg)
	if err != nil {
		return err
	}
	a.mx, err = metrics.New(context.Background(), mcfg, metrics.Gauges{
		ArmedTimers: func() int64 { return int64(a.sched.Snapshot().Armed) },
		QueueDepth:  func() int64 { return int64(a.engine.Snapshot().QueueLen) },
		InFlight:    func() int64 { return int64(a.engine.Snapshot().InFlight) },
	}, comp("metrics"))
	return err
}

// Service is the reminder operation set, for surfaces hosted outside the app.
func (a *App) Service() *service.Service { return a.svc }

// Config returns the last committed configuration.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Logger is the app's root logger.
func (a *App) Logger() logx.Logger { return a.logs.Logger() }

// HTTPAddr is the bound HTTP address, empty when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

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
	if !a.sched.Snapshot().Running {
		return errors.New("scheduler not running")
	}
	if !a.engine.Snapshot().Running {
		return errors.New("delivery engine not running")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExtractConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSweeperConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if cfg.Digest.Enabled {
			if _, err := scheduler.ParseSchedule(cfg.Digest.Schedule); err != nil {
				return fmt.Errorf("digest.schedule: %w", err)
			}
		}
		return nil
	})

	// The engine drains on Stop; cancelling the app context must not cut
	// in-flight deliveries short.
	a.engine.Start(context.WithoutCancel(runCtx))
	a.sched.Start(runCtx)

	n, err := a.sched.Rebuild(runCtx, a.store)
	if err != nil {
		return fmt.Errorf("rebuild timers: %w", err)
	}
	a.log.Info("timers rebuilt", logx.Int("armed", n))

	if err := a.armSweeper(a.sw.Config().Interval); err != nil {
		return err
	}
	// Catch up on anything that came due while the process was down.
	if rep, err := a.sw.Sweep(runCtx); err != nil {
		a.log.Warn("startup sweep failed", logx.Err(err))
	} else if rep.Due > 0 || rep.Stale > 0 {
		a.log.Info("startup sweep", logx.Int("due", rep.Due), logx.Int("stale", rep.Stale))
	}

	cfg := a.cfgm.Get()
	if cfg.Digest.Enabled {
		if err := a.digest.Register(a.sched); err != nil {
			return fmt.Errorf("digest: %w", err)
		}
	}

	a.sup.Go("metrics", func(c context.Context) error {
		if err := a.mx.Consume(c, a.bus); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Debug-level event log; frequent sweeps would be noise at info.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if e.ReminderID != "" {
					fields = append(fields, logx.ReminderID(e.ReminderID))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	if cfg.HTTP.Enabled && !a.opts.forceHTTPOff {
		a.http.Start(runCtx)
		a.httpOn = true
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) armSweeper(every time.Duration) error {
	return a.sched.AddInterval(sweepJob, every, every, a.sw.HousekeepingFunc())
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Intake first, then timers, then the queue, then the sinks they feed.
	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(context.Context) error { return a.disp.Close() })
	a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error { return a.mx.Shutdown(c) })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event consumers).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(0, time.Until(dl)))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
