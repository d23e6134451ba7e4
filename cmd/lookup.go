package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jse-datasphere/standardize-cli/internal/lookup"
)

var lookupSheet string

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Manage the curated line-item vocabulary",
}

var lookupLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load the vocabulary spreadsheet into the store",
	Long:  "Parses the curated mapping workbook (.xlsx or .csv export), strips curator annotations, and replaces the lookup tables. Rows that cannot become mappings are stored as exceptions for review.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sheet := lookupSheet
		if sheet == "" {
			sheet = cfg.Lookup.SheetName
		}

		rows, exceptions, err := lookup.LoadFile(args[0], sheet)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ReplaceLookup(ctx, rows, exceptions); err != nil {
			return err
		}

		zap.L().Info("lookup vocabulary loaded",
			zap.String("file", args[0]),
			zap.Int("rows", len(rows)),
			zap.Int("exceptions", len(exceptions)))
		return nil
	},
}

func init() {
	lookupLoadCmd.Flags().StringVar(&lookupSheet, "sheet", "", "workbook sheet name (default from config)")
	lookupCmd.AddCommand(lookupLoadCmd)
	rootCmd.AddCommand(lookupCmd)
}
