package runner

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/checkpoint"
	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/report"
	"github.com/signalnine/tierbench/internal/result"
)

// SubtestScheduler runs one subtest's runs on a bounded worker pool and
// aggregates them once every run has reached a terminal state.
type SubtestScheduler struct {
	runs     int
	parallel int
	root     string
	exec     *RunExecutor
	store    checkpoint.Store
	events   Listener
	log      *log.Logger
}

func (s *SubtestScheduler) Run(ctx context.Context, tier config.Tier, sub config.Subtest) (*report.SubtestReport, error) {
	keys := config.SubtestKeys(tier.Name, sub.Name, s.runs)
	done, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading checkpoint: %w", ErrInfrastructure, err)
	}

	summaries := make([]*result.RunSummary, len(keys))
	var jobs []Job
	for i, key := range keys {
		if sum, ok := done[key]; ok {
			checked, rescored, verr := s.exec.Verify(key, sum)
			if verr == nil {
				if rescored {
					if err := s.exec.Rescore(ctx, checked); err != nil {
						return nil, err
					}
					sum = checked
				}
				summaries[i] = sum
				s.events.emit(Event{Kind: EventRunSkipped, Tier: key.Tier, Subtest: key.Subtest, Key: key, Run: sum})
				continue
			}
			s.log.Warn("checkpointed run does not match its results, re-running", "run", key, "err", verr)
			if err := s.store.Invalidate(ctx, key); err != nil {
				return nil, fmt.Errorf("%w: invalidating %s: %w", ErrInfrastructure, key, err)
			}
		}
		jobs = append(jobs, func(ctx context.Context) error {
			sum, err := s.exec.Execute(ctx, tier, sub, key)
			if err != nil {
				return err
			}
			summaries[i] = sum
			return nil
		})
	}

	if len(jobs) > 0 {
		s.log.Info("running subtest", "tier", tier.Name, "subtest", sub.Name,
			"pending", len(jobs), "done", len(keys)-len(jobs))
	}
	if errs := RunPool(ctx, s.parallel, jobs); len(errs) > 0 {
		return nil, FirstCause(errs)
	}
	return s.finish(tier.Name, sub.Name, summaries)
}

// finish aggregates whatever summaries are present and writes the report.
// Judged runs appear in it as aggregated; the checkpoint keeps them judged.
func (s *SubtestScheduler) finish(tier, subtest string, summaries []*result.RunSummary) (*report.SubtestReport, error) {
	var present []*result.RunSummary
	for _, sum := range summaries {
		if sum != nil {
			present = append(present, sum.Aggregated())
		}
	}
	rep := report.BuildSubtest(tier, subtest, present)
	if err := report.WriteSubtest(s.root, rep); err != nil {
		return nil, fmt.Errorf("%w: writing subtest report: %w", ErrInfrastructure, err)
	}
	s.events.emit(Event{Kind: EventSubtestFinished, Tier: tier, Subtest: subtest, Summary: &rep.Summary})
	return rep, nil
}
