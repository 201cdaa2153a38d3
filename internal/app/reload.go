package app

import (
	"context"
	"strings"

	"jobmesh/internal/config"
	logx "jobmesh/pkg/logx"
)

// reloadLoop applies hot-reloaded config. Logging, telegram and notifier
// changes apply live; the rest is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	changed := map[string]bool{}
	for _, sec := range sections {
		changed[sec] = true
	}

	if changed["telegram"] {
		sender, err := newSender(s.telegram, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			a.log.Warn("telegram reconnect failed; keeping previous sender", logx.Err(err))
		} else {
			a.logs.SetSender(sender)
			a.notif.SetSender(sender)
		}
	}
	if changed["logging"] {
		a.logs.Apply(s.log)
	}
	if changed["notifier"] {
		wasOn := a.notif.Enabled()
		a.notif.Apply(s.notifier)
		switch {
		case wasOn && !s.notifier.Enabled:
			a.log.Info("notifier disabled via config")
			a.notif.Stop(ctx)
		case !wasOn && s.notifier.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
