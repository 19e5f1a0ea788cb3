package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/tierbench/internal/checkpoint"
	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/runner"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tiers and subtests with checkpoint progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			done, err := checkpointed(cmd, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Experiment %s: task %s (%s@%s), %d run(s) per subtest\n",
				cfg.Name, cfg.Task.ID, cfg.Task.Repo, cfg.Task.Revision, cfg.Runs)
			fmt.Fprintf(out, "Agent: %s (%s)\n", cfg.Agent.Image, cfg.Agent.Kind)
			fmt.Fprintf(out, "Judges: %d per run, quorum %d, from", cfg.Judges.Count, cfg.Judges.Quorum)
			for _, j := range cfg.Judges.Panel {
				fmt.Fprintf(out, " %s", j.Name)
			}
			fmt.Fprintln(out)
			for _, t := range cfg.Tiers {
				fmt.Fprintf(out, "\n%s:\n", t.Name)
				for _, s := range t.Subtests {
					n := 0
					for _, k := range config.SubtestKeys(t.Name, s.Name, cfg.Runs) {
						if _, ok := done[k.String()]; ok {
							n++
						}
					}
					fmt.Fprintf(out, "  - %s [%d/%d done]\n", s.Name, n, cfg.Runs)
				}
			}
			return nil
		},
	}
}

// checkpointed returns the finished run keys, or none when the experiment
// has not started.
func checkpointed(cmd *cobra.Command, cfg *config.Config) (map[string]bool, error) {
	root := runner.ExperimentRoot(cfg)
	path := cfg.Resolve(cfg.Checkpoint.Path)
	if path == "" {
		path = checkpoint.DefaultPath(root, cfg.Checkpoint.Backend)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	store, err := runner.OpenStore(cfg, root)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	all, err := store.LoadAll(cmd.Context())
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(all))
	for k := range all {
		done[k.String()] = true
	}
	return done, nil
}
