package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"reminderd/internal/config"
	"reminderd/internal/digest"
	logx "reminderd/pkg/logx"
)

// reloadLoop applies published configs until ctx ends.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	changed := func(name string) bool { return slices.Contains(sections, name) }

	// logging first so the rest of the reload logs at the new level
	if changed("logging") {
		a.logs.Apply(mapLogConfig(next, a.opts.stderrLogs))
	}

	if changed("extract") {
		if ec, err := mapExtractConfig(next); err != nil {
			a.log.Warn("invalid extract config; keeping previous", logx.Err(err))
		} else {
			a.ext.Apply(ec)
		}
	}

	if changed("scheduler") {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}

	if changed("sweeper") {
		if sc, err := mapSweeperConfig(next); err != nil {
			a.log.Warn("invalid sweeper config; keeping previous", logx.Err(err))
		} else {
			before := a.sw.Config().Interval
			a.sw.Apply(sc)
			if after := a.sw.Config().Interval; after != before {
				if err := a.armSweeper(after); err != nil {
					a.log.Warn("re-arming sweeper failed", logx.Err(err))
				}
			}
		}
	}

	if changed("notifier") {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(nc)
		}
		if transportsChanged(prev, next) {
			a.log.Warn("notifier transport credentials changed; restart required for changes to take effect")
		}
	}

	if changed("service") {
		a.svc.Apply(mapServiceConfig(next))
	}

	if changed("digest") || changed("extract") {
		a.reloadDigest(next)
	}

	if changed("http") {
		a.reloadHTTP(ctx, next)
	}

	a.log.Info("config reloaded", fields...)
}

func transportsChanged(prev, next *config.Config) bool {
	p, n := prev.Notifier, next.Notifier
	return !reflect.DeepEqual(p.Email, n.Email) ||
		!reflect.DeepEqual(p.Telegram, n.Telegram) ||
		!reflect.DeepEqual(p.SMS, n.SMS)
}

func (a *App) reloadDigest(next *config.Config) {
	if !next.Digest.Enabled {
		if a.sched.Remove(digest.JobName) {
			a.log.Info("digest disabled via config")
		}
		return
	}
	ec, err := mapExtractConfig(next)
	if err != nil {
		a.log.Warn("invalid extract config; digest keeps previous zone", logx.Err(err))
		return
	}
	d := digest.New(mapDigestConfig(next, ec.Location), a.store, a.disp, a.logs.Logger().With(logx.String("comp", "digest")))
	if err := d.Register(a.sched); err != nil {
		a.log.Warn("invalid digest schedule; keeping previous", logx.Err(err))
		return
	}
	a.digest = d
}

func (a *App) reloadHTTP(ctx context.Context, next *config.Config) {
	hc, err := mapHTTPConfig(next)
	if err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		return
	}
	want := next.HTTP.Enabled && !a.opts.forceHTTPOff
	switch {
	case a.httpOn && !want:
		a.log.Info("http api disabled via config")
		a.http.Stop(ctx)
		a.http.Reconfigure(ctx, hc)
		a.httpOn = false
	case !a.httpOn && want:
		a.log.Info("http api enabled via config")
		a.http.Reconfigure(ctx, hc)
		a.http.Start(ctx)
		a.httpOn = true
	default:
		a.http.Reconfigure(ctx, hc)
	}
}
