package app

import (
	"context"
	"reflect"

	logx "autopilot/pkg/logx"
)

// reloadLoop applies committed config revisions to the live services. The
// config manager only publishes revisions that passed validateConfig, so the
// mappers here cannot fail; errors are still logged defensively because the
// validator can be swapped.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest revision matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(mapLoggingConfig(cfg))

			if ec, err := mapEngineConfig(cfg); err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(ctx, ec)
			}
			if ac, err := mapAnalyticsConfig(cfg); err != nil {
				a.log.Warn("invalid analytics config; keeping previous", logx.Err(err))
			} else {
				a.stats.Apply(ac)
			}
			if nc, err := mapNotifyConfig(cfg); err != nil {
				a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
			} else {
				a.dispatch.Apply(nc)
			}
			if hc, err := mapHealthConfig(cfg); err != nil {
				a.log.Warn("invalid health config; keeping previous", logx.Err(err))
			} else {
				a.monitor.Apply(hc)
			}
			if cc, err := mapCronConfig(cfg); err != nil {
				a.log.Warn("invalid cron config; keeping previous", logx.Err(err))
			} else {
				a.sched.Apply(cc)
			}
			if pc, err := mapPprofConfig(cfg); err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
			} else {
				a.profiler.Reconfigure(ctx, pc)
			}

			// The archive is opened once at construction; driver changes need
			// a restart.
			if last != nil && !reflect.DeepEqual(last.Storage, cfg.Storage) {
				a.log.Warn("storage config changed; restart required for changes to take effect")
			}
			last = cfg

			a.log.Info("config reloaded")
		}
	}
}
