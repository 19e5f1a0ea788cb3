package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/report"
)

// TierScheduler runs a tier's subtests, up to parallel at once, and
// aggregates the tier only after all of them have finished.
type TierScheduler struct {
	parallel int
	root     string
	subtests *SubtestScheduler
	events   Listener
}

func (t *TierScheduler) Run(ctx context.Context, tier config.Tier) (*report.TierReport, error) {
	reports := make([]*report.SubtestReport, len(tier.Subtests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.parallel, 1))
	for i, sub := range tier.Subtests {
		g.Go(func() error {
			rep, err := t.subtests.Run(gctx, tier, sub)
			if err != nil {
				return fmt.Errorf("subtest %s/%s: %w", tier.Name, sub.Name, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t.finish(tier.Name, reports)
}

func (t *TierScheduler) finish(tier string, reports []*report.SubtestReport) (*report.TierReport, error) {
	rep := report.BuildTier(tier, reports)
	if err := report.WriteTier(t.root, rep); err != nil {
		return nil, fmt.Errorf("%w: writing tier report: %w", ErrInfrastructure, err)
	}
	t.events.emit(Event{Kind: EventTierFinished, Tier: tier, Summary: &rep.Summary})
	return rep, nil
}
