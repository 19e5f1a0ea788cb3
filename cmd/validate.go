package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/tierbench/internal/runner"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Re-check checkpointed runs against their result files",
		Long: "Recompute every checkpointed run's verdict from the judge results on disk. " +
			"Runs that no longer match are dropped from the checkpoint so the next run repeats them. " +
			"Reports are rewritten from the runs that remain.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			root := runner.ExperimentRoot(cfg)
			store, err := runner.OpenStore(cfg, root)
			if err != nil {
				return err
			}
			defer store.Close()
			o, err := runner.New(cfg, runner.Options{Root: root, Store: store, Log: a.log})
			if err != nil {
				return err
			}
			vr, err := o.Verify(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d valid (%d rescored), %d invalidated, %d not yet run\n",
				len(vr.Valid), len(vr.Rescored), len(vr.Invalid), len(vr.Missing))
			for _, k := range vr.Invalid {
				fmt.Fprintf(out, "  invalidated %s\n", k)
			}
			for _, k := range vr.Rescored {
				fmt.Fprintf(out, "  rescored %s\n", k)
			}
			return nil
		},
	}
}
