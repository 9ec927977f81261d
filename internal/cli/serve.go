package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"waterguard/internal/api"
	"waterguard/internal/config"
	"waterguard/internal/dataset"
	"waterguard/internal/scheduler"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the evaluation scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, flags, os.Stdout, true)
			if err != nil {
				return err
			}
			defer a.svc.Close()
			cfg := a.cfg.Get()

			api.Start(ctx, a.svc, a.logger, version)
			if cfg.Evaluation.Enabled {
				sched := scheduler.New(a.svc, cfg.Evaluation.Schedule, a.logger)
				if err := sched.Start(ctx); err != nil {
					return err
				}
			} else {
				a.logger.Info("evaluation scheduler disabled")
			}

			if watch > 0 {
				stopCfg := make(chan struct{})
				defer close(stopCfg)
				go a.cfg.Watch(watch, func(*config.Config) {
					a.logger.Info("config reloaded", "path", a.cfg.Path())
				}, func(err error) {
					a.logger.Warn("config reload failed", "err", err)
				}, stopCfg)
				go scheduler.WatchFiles(ctx, dataset.Files(cfg.Data), watch, func(ctx context.Context) error {
					_, err := a.svc.Reload(ctx)
					return err
				}, a.logger)
			}

			<-ctx.Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 3*time.Second, "poll interval for config and data file changes (0 disables)")
	return cmd
}
