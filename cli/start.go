package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/api/server"
	"github.com/ssvlabs/slashing-protector/logging"
	"github.com/ssvlabs/slashing-protector/observability"
	"github.com/ssvlabs/slashing-protector/slashingdb/backends"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Runs the pruner and the metrics and health endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		defer logging.CapturePanic(a.logger)

		var options []observability.Option
		if cfg.MetricsOptions.Enabled {
			options = append(options, observability.WithMetrics())
		}
		shutdown, err := observability.Initialize(cmd.Root().Short, cmd.Root().Version, a.logger, options...)
		if err != nil {
			return logCommandError(a.logger, cmd, err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				a.logger.Error("failed to shut down observability", zap.Error(err))
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		workers := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()

		if cfg.PrunerOptions.Enabled {
			p, release, err := a.newPruner(ctx)
			if err != nil {
				return logCommandError(a.logger, cmd, err)
			}
			defer release()
			workers.Go(func(ctx context.Context) error {
				p.Start(ctx)
				return nil
			})
		}

		if cfg.MetricsOptions.Enabled {
			checks := map[string]server.HealthChecker{}
			if pinger, ok := a.db.(backends.Pinger); ok {
				checks["database"] = pinger
			}
			srv := server.New(a.logger, cfg.MetricsOptions.Address, nil, checks)
			workers.Go(srv.Run)
		}

		a.logger.Info("slashing protector started",
			zap.Bool("pruner", cfg.PrunerOptions.Enabled),
			zap.Bool("metrics", cfg.MetricsOptions.Enabled),
			zap.Int("validators", a.registry.Len()))

		// Keeps the process up when neither component is enabled.
		workers.Go(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})

		err = workers.Wait()
		a.logger.Info("slashing protector stopped")
		return logCommandError(a.logger, cmd, err)
	},
}
