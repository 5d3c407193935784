package notification

import (
	"context"

	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/config"
)

var Module = fx.Module("notification",
	fx.Provide(NewQueue),
	fx.Provide(NewDispatcher),
	fx.Provide(func(cfg config.Config) Config {
		return Config{
			BatchSize:    cfg.DispatcherBatchSize,
			PollInterval: cfg.DispatcherPollInterval,
		}
	}),
	fx.Invoke(func(lc fx.Lifecycle, dispatcher *Dispatcher) {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go dispatcher.RunForever(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
