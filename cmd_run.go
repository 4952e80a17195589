package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"analytics/internal/analytics"
)

var stageFlags = []struct{ name, usage string }{
	{analytics.StageCohort, "run cohort analysis"},
	{analytics.StageChurn, "run churn risk analysis"},
	{analytics.StageFunnel, "run funnel analysis"},
	{analytics.StageLTV, "run LTV analysis"},
	{analytics.StageRFM, "run RFM segmentation"},
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh analytics tables",
		Long: `Run the analytics stages in order: cohort, churn, funnel, ltv, rfm.

With no stage flags (or --all) every stage runs, followed by database
maintenance. With stage flags only those stages run and follow-up reports
and maintenance are skipped. The exit status is 0 only when every stage
that ran succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := make([]string, len(stageFlags))
			for i, f := range stageFlags {
				names[i] = f.name
			}
			stages := selected(cmd, names)

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.RunPipeline(cmd.Context(), stages...)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Summary())
			if code := report.ExitCode(); code != 0 {
				return &exitError{code: code, msg: fmt.Sprintf("stages failed: %v", report.Failed())}
			}
			return nil
		},
	}
	for _, f := range stageFlags {
		cmd.Flags().Bool(f.name, false, f.usage)
	}
	cmd.Flags().Bool("all", false, "run every stage (default when no stage is selected)")
	return cmd
}
