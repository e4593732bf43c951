package app

import (
	"context"
	"slices"
	"strings"

	"chime/internal/config"
	logx "chime/pkg/logx"
)

// reloadLoop applies every published config until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
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
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if dcfg, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.Apply(dcfg)
		a.dispatch.SetChannels(a.channels(next))
	}

	// Reapplying an unchanged status would discard an answer the user gave.
	if slices.Contains(sections, "permission") {
		if st, err := mapPermission(next); err != nil {
			a.log.Warn("invalid permission config; keeping previous", logx.Err(err))
		} else {
			a.gate.Apply(st)
		}
	}

	if tickSchedule(prev) != tickSchedule(next) {
		if err := a.trig.RegisterTick(tickSchedule(next), a.sched, a.clock.Now); err != nil {
			a.log.Warn("invalid trigger.schedule; keeping previous", logx.Err(err))
		}
	}
	a.trig.Apply(mapTriggerConfig(next))

	// chat_id and timezone are cheap to swap; token changes need a restart.
	if a.bot != nil {
		a.bot.Apply(mapBotConfig(next))
		a.router.SetAllowedChats(allowedChats(next))
	}

	a.http.Reconfigure(ctx, mapHTTPConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
