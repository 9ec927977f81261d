package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"waterguard/internal/config"
	"waterguard/internal/model"
	"waterguard/internal/normalize"
)

func newEvaluateCmd(flags *globalFlags) *cobra.Command {
	var (
		at       string
		duration int
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run one evaluation pass and print the alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, flags, os.Stderr, false)
			if err != nil {
				return err
			}
			cfg := a.cfg.Get()
			if at != "" {
				c := *cfg
				c.Evaluation.At = at
				cfg = &c
			}
			ts, err := a.svc.EvaluationTime(cfg)
			if err != nil {
				return err
			}
			th := cfg.Thresholds
			if duration > 0 {
				if th, err = th.Apply(config.ThresholdPatch{EventDurationHours: &duration}); err != nil {
					return err
				}
			}
			report, err := a.svc.Evaluate(ctx, normalize.Hour(ts), th)
			if err != nil {
				return err
			}
			if verbose {
				return printOutput(cmd.OutOrStdout(), flags.output, report)
			}
			return printOutput(cmd.OutOrStdout(), flags.output, report.Alerts)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `evaluation time: ISO timestamp, "now" or "latest" (default from config)`)
	cmd.Flags().IntVar(&duration, "duration", 0, "event duration threshold in hours (default from config)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print candidates, diagnostics and failures too")
	return cmd
}

func newSeriesCmd(flags *globalFlags) *cobra.Command {
	var (
		entity string
		at     string
		hours  int
	)
	cmd := &cobra.Command{
		Use:   "series <id>",
		Short: "Print the predicted and real consumption of one building or CTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseEntityType(entity)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := bootstrap(ctx, flags, os.Stderr, false)
			if err != nil {
				return err
			}
			cfg := *a.cfg.Get()
			if at != "" {
				cfg.Evaluation.At = at
			}
			end, err := a.svc.EvaluationTime(&cfg)
			if err != nil {
				return err
			}
			series, err := a.svc.Series(ctx, kind, normalize.EntityID(args[0]), end, hours)
			if err != nil {
				return err
			}
			if series.Empty() {
				return errors.New("no data found for the given entity and period")
			}
			return printOutput(cmd.OutOrStdout(), flags.output, series)
		},
	}
	cmd.Flags().StringVarP(&entity, "type", "t", "house", "entity type: house or ctp")
	cmd.Flags().StringVar(&at, "at", "latest", `end of the window: ISO timestamp, "now" or "latest"`)
	cmd.Flags().IntVar(&hours, "hours", 24, "window length in hours")
	return cmd
}
