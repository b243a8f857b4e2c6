package syncer

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/snapshot"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.sync",
	fx.Provide(provideConfig),
	fx.Provide(NewWorker),
	fx.Provide(func(w *Worker) snapshot.Flusher { return w }),
	fx.Invoke(runWorker),
)

func provideConfig(cfg config.Config) Config {
	return Config{
		QueueSize:    cfg.Sync.QueueSize,
		BatchSize:    cfg.Sync.BatchSize,
		PollInterval: cfg.Sync.PollInterval,
	}
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
