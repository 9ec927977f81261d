// Package cli implements the waterguard command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"waterguard/internal/alerts"
	"waterguard/internal/config"
	"waterguard/internal/dataset"
	"waterguard/internal/logging"
	"waterguard/internal/metrics"
	"waterguard/internal/publish"
	"waterguard/internal/service"
)

var version = "dev"

type globalFlags struct {
	configPath string
	output     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "waterguard",
		Short: "Water consumption anomaly alerting for buildings and distribution points",
		Long: `waterguard compares real water consumption of apartment buildings and
their distribution points (CTP) against the predicted profile and raises
dispatcher alerts for outages, leaks, pump cavitation and water deficit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (yaml or json); defaults are used when empty")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "json", "output format: json, yaml")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newEvaluateCmd(flags))
	root.AddCommand(newSeriesCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func loadManager(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(nil), nil
	}
	m, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return m, nil
}

// app is everything a subcommand needs once the config is loaded.
type app struct {
	cfg    *config.Manager
	svc    *service.Service
	logger *slog.Logger
}

// bootstrap loads config and data. Logs go to logOut so that one-shot
// commands keep stdout for their result.
func bootstrap(ctx context.Context, flags *globalFlags, logOut io.Writer, withPublisher bool) (*app, error) {
	mgr, err := loadManager(flags.configPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger := logging.New(logOut, level, cfg.LogFormat)

	snap, err := dataset.LoadSnapshot(ctx, cfg.Data, logger)
	if err != nil {
		return nil, err
	}
	var pub publish.Publisher = publish.Noop{}
	if withPublisher {
		pub = publish.New(cfg.Publish, logger)
	}
	svc := service.New(service.Options{
		Config:     mgr,
		Data:       dataset.NewHolder(snap),
		Classifier: service.LoadClassifier(cfg.Data.ClassifierPath, logger),
		Alerts:     alerts.NewStore(0),
		Metrics:    metrics.NewCollector(),
		Publisher:  pub,
		Logger:     logger,
	})
	return &app{cfg: mgr, svc: svc, logger: logger}, nil
}
