package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/tierbench/internal/report"
	"github.com/signalnine/tierbench/internal/runner"
)

func newReportCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report [experiment-dir]",
		Short: "Print the summary of stored results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var root string
			if len(args) > 0 {
				root = args[0]
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				root = runner.ExperimentRoot(cfg)
			}
			return report.Generate(root, format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format (table, markdown, json)")
	return cmd
}
