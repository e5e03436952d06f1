package scheduler

import (
	"context"

	"go.uber.org/fx"

	"github.com/smallbiznis/consentflow/internal/config"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Run),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:      cfg.Scheduler.RunInterval,
		DispatchMode:     cfg.Scheduler.DispatchMode,
		SingleLimit:      cfg.Scheduler.SingleLimit,
		BatchSize:        cfg.Scheduler.BatchSize,
		BatchCount:       cfg.Scheduler.BatchCount,
		ReconcileBatches: cfg.Scheduler.ReconcileBatches,
		CheckAfter:       cfg.Scheduler.CheckAfter,
		JobTimeout:       cfg.Scheduler.JobTimeout,
		EnabledJobs:      cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func Run(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
