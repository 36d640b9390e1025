package app

import (
	"context"
	"strings"

	"botfleet/internal/config"
	"botfleet/internal/eventbus"
	logx "botfleet/pkg/logx"
)

// startConfigReload validates reloads against the component mapping and
// applies committed configs. It is a no-op for apps built from an
// in-memory config.
func (a *App) startConfigReload() {
	if a.cfgm == nil {
		return
	}
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				if a.applyConfig(applied, next) {
					applied = next
				}
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
}

// applyConfig pushes the live-tunable settings of next into the running
// components. Settings that need a restart are only logged.
func (a *App) applyConfig(prev, next *config.Config) bool {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return true
	}
	set, err := mapConfig(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}

	if err := a.logs.Apply(set.logging); err != nil {
		a.log.Warn("log sink unavailable", logx.Err(err))
	}
	a.limiter.Apply(set.limiter)
	a.sandbox.Apply(set.sandbox)
	a.queue.Apply(set.queue)
	a.pool.Apply(set.delivery)
	a.coord.Apply(set.broadcast)
	a.host.Apply(set.host)

	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	return true
}
