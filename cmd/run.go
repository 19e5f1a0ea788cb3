package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/pricing"
	"github.com/signalnine/tierbench/internal/report"
	"github.com/signalnine/tierbench/internal/runner"
	"github.com/signalnine/tierbench/internal/secrets"
)

type runFlags struct {
	tier    string
	subtest string
	runs    int
	format  string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the experiment, resuming from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExperiment(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.tier, "tier", "", "run a single tier")
	cmd.Flags().StringVar(&f.subtest, "subtest", "", "run a single subtest")
	cmd.Flags().IntVar(&f.runs, "runs", 0, "override runs per subtest")
	cmd.Flags().StringVar(&f.format, "format", "table", "summary format (table, markdown, json)")
	return cmd
}

func (a *app) runExperiment(cmd *cobra.Command, f runFlags) error {
	cfg, err := a.prepareConfig(f)
	if err != nil {
		return err
	}
	creds, missing, err := secrets.Resolve(cfg.Resolve(cfg.Secrets.EnvFile), cfg.Credentials)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	var table *pricing.Table
	if cfg.Pricing.File != "" {
		if table, err = pricing.Load(cfg.Resolve(cfg.Pricing.File)); err != nil {
			return err
		}
	}

	rt, err := docker.NewClient(a.log)
	if err != nil {
		return err
	}
	defer rt.Close()

	root := runner.ExperimentRoot(cfg)
	store, err := runner.OpenStore(cfg, root)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Experiment directory: %s\n", root)
	o, err := runner.New(cfg, runner.Options{
		Root:        root,
		Runtime:     rt,
		Store:       store,
		Pricing:     table,
		Credentials: creds,
		Listener:    progressPrinter(out),
		Log:         a.log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if _, err := o.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted; finished runs are checkpointed, run again to resume: %w", err)
		}
		return err
	}

	fmt.Fprintln(out, "\n--- Results ---")
	return report.Generate(root, f.format, out)
}

func (a *app) prepareConfig(f runFlags) (*config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if f.runs > 0 {
		cfg.Runs = f.runs
	}
	if f.tier != "" || f.subtest != "" {
		if err := cfg.Filter(f.tier, f.subtest); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// progressPrinter writes one line per finished or skipped run and per
// aggregated subtest and tier.
func progressPrinter(w io.Writer) runner.Listener {
	var mu sync.Mutex
	return func(e runner.Event) {
		line := progressLine(e)
		if line == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}
}

func progressLine(e runner.Event) string {
	switch e.Kind {
	case runner.EventRunSkipped:
		return fmt.Sprintf("  %s: checkpointed (%s)", e.Key, e.Run.State)
	case runner.EventRunFinished:
		s := e.Run
		if s.Score != nil {
			verdict := "FAIL"
			if s.Passed {
				verdict = "PASS"
			}
			return fmt.Sprintf("  %s: %s score=%.3f (%.0fs, $%.2f)", e.Key, verdict, *s.Score, s.DurationS, s.CostUSD)
		}
		return fmt.Sprintf("  %s: %s %s", e.Key, s.State, s.Error)
	case runner.EventSubtestFinished:
		return fmt.Sprintf("%s/%s: pass rate %.1f%%, mean score %.3f", e.Tier, e.Subtest, e.Summary.PassRate*100, e.Summary.MeanScore)
	case runner.EventTierFinished:
		return fmt.Sprintf("%s: pass rate %.1f%%, mean score %.3f, consistency %.3f",
			e.Tier, e.Summary.PassRate*100, e.Summary.MeanScore, e.Summary.Consistency)
	}
	return ""
}
