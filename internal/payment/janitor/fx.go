package janitor

import (
	"context"

	"go.uber.org/fx"

	"github.com/smallbiznis/tally/internal/config"
)

var Module = fx.Module("payment.janitor",
	fx.Provide(func(cfg config.Config) Config {
		return Config{
			PollInterval: cfg.JanitorPollInterval,
			BatchSize:    cfg.JanitorBatchSize,
			PendingAge:   cfg.JanitorPendingAge,
		}
	}),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go worker.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
