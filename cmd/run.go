package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

var (
	runSymbols     []string
	runID          string
	runSummaryFile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Standardize raw line items for one or more companies",
	Long:  "Resolves each company's vocabulary, matches every statement slice exactly and then via the LLM, writes mappings and audit rows, and rebuilds the standardized table. Without --symbol, every company with raw data is processed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id := runID
		if id == "" {
			id = model.NewRunID(time.Now())
		}
		zap.L().Info("starting standardization run",
			zap.String("run_id", id),
			zap.Strings("symbols", runSymbols))

		summary, err := env.Engine.Run(ctx, runSymbols, id)
		if err != nil {
			return err
		}

		for _, c := range summary.Companies {
			if c.Outcome == model.CompanyFailed {
				zap.L().Warn("company failed, rerun it separately",
					zap.String("symbol", c.Symbol),
					zap.String("error", c.Error))
			}
		}

		if runSummaryFile != "" {
			out, err := yaml.Marshal(summary)
			if err != nil {
				return eris.Wrap(err, "marshal run summary")
			}
			if err := os.WriteFile(runSummaryFile, out, 0o644); err != nil {
				return eris.Wrapf(err, "write run summary %s", runSummaryFile)
			}
			zap.L().Info("run summary written", zap.String("file", runSummaryFile))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSymbols, "symbol", nil, "company symbol to process (repeatable; default all)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "override the generated run id")
	runCmd.Flags().StringVar(&runSummaryFile, "summary-file", "", "write the run summary to this YAML file")
	rootCmd.AddCommand(runCmd)
}
