package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/autospawn/internal/config"
	"github.com/jbweber/autospawn/internal/schedule"
	"github.com/jbweber/autospawn/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling loop",
	Long: `Run spawn, sync and teardown on their schedule until interrupted.

The configuration file is watched; changes to the schedule section are
applied without a restart. When metrics.listen_address is set, Prometheus
metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return a.run(ctx)
	},
}

func (a *app) run(ctx context.Context) error {
	rec, err := a.buildReconciler()
	if err != nil {
		return err
	}
	sched, err := scheduler.FromConfig(a.cfg.Schedule)
	if err != nil {
		return configError(err)
	}
	gate := schedule.NewGate(sched.Window(), sched.Location, a.cfg.Schedule.HeartbeatInterval, a.logger.Named("schedule"))
	loop := scheduler.New(rec, gate, sched, a.logger.Named("scheduler"))

	a.logger.Info("autospawn starting",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("hypervisor", a.cfg.Hypervisor.Driver),
		zap.String("prefix", a.cfg.Managed.Prefix),
		zap.Int("id_floor", a.cfg.Managed.IDFloor))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, configPath, a.logger.Named("config"), func(cfg *config.Config) {
			next, err := scheduler.FromConfig(cfg.Schedule)
			if err != nil {
				a.logger.Warn("ignoring schedule change", zap.Error(err))
				return
			}
			loop.Reschedule(next)
		})
	})
	if addr := a.cfg.Metrics.ListenAddress; addr != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, addr, a.logger.Named("metrics")) })
	}

	if err := g.Wait(); err != nil {
		a.logger.Error("autospawn stopped", zap.Error(err))
		return runtimeError(err)
	}
	a.logger.Info("autospawn stopped")
	return nil
}
