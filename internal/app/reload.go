package app

import (
	"context"
	"strings"

	"adbot/internal/config"
	logx "adbot/pkg/logx"
)

// reloadLoop applies published configs. Logging, owners, the log group,
// sync timing and delivery limits change live; the rest waits for a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
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
			if newCfg == nil {
				continue
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	set, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}

	if restart := config.RestartRequired(oldCfg, newCfg, sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetChatTarget(set.GroupLog)
	a.logs.Apply(loggingConfig(newCfg))
	a.cmdm.SetOwners(set.OwnerUserIDs)
	a.sync.Apply(syncConfig(set))
	a.delivery.Apply(deliveryConfig(set))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
