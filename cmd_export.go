package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"analytics/internal/analytics"
	"analytics/internal/export"
)

var datasetNames = []string{
	analytics.DatasetCohort,
	analytics.DatasetChurn,
	analytics.DatasetLTV,
	analytics.DatasetRFM,
	analytics.DatasetFunnel,
	analytics.DatasetRevenue,
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export analytics datasets to files",
		Long: `Export datasets to {dataset}_{YYYYMMDD_HHMMSS}.{ext} files.

Each dataset is exported independently; a dataset that fails or returns no
rows is reported and the rest continue. Revenue is written as overview,
by_category and by_hour sibling files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var enc export.Encoding
			if format != "" {
				parsed, err := export.ParseEncoding(format)
				if err != nil {
					return err
				}
				enc = parsed
			}
			names := selected(cmd, datasetNames)

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Export(cmd.Context(), enc, output, names...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, art := range report.Artifacts() {
				fmt.Fprintf(out, "%s (%d rows)\n", art.Path, art.Rows)
			}
			fmt.Fprint(out, report.Summary())
			if code := report.ExitCode(); code != 0 {
				return &exitError{code: code, msg: "some datasets failed"}
			}
			return nil
		},
	}

	encs := make([]string, len(export.Encodings))
	for i, e := range export.Encodings {
		encs[i] = string(e)
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format: "+strings.Join(encs, ", ")+" (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	for _, n := range datasetNames {
		cmd.Flags().Bool(n, false, "export the "+n+" dataset")
	}
	cmd.Flags().Bool("all", false, "export every dataset (default when none is selected)")
	return cmd
}
