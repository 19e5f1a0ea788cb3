package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/checkpoint"
	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/consensus"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/result"
	"github.com/signalnine/tierbench/internal/workspace"
)

// ErrInfrastructure marks failures of the harness itself, such as an
// unwritable results directory or checkpoint store. They abort the experiment.
var ErrInfrastructure = errors.New("infrastructure failure")

// RunExecutor takes one run from an empty directory to a checkpointed summary.
type RunExecutor struct {
	cfg        *config.Config
	root       string
	agent      Agent
	engine     *consensus.Engine
	store      checkpoint.Store
	workspaces *workspace.Manager
	events     Listener
	log        *log.Logger
}

// Execute runs the agent, judges a successful result, and records the
// summary. Agent and judge failures are part of the summary; a returned
// error means the run was abandoned and nothing was recorded.
func (e *RunExecutor) Execute(ctx context.Context, tier config.Tier, sub config.Subtest, key result.RunKey) (*result.RunSummary, error) {
	runDir := result.RunDir(e.root, key)
	if err := resetDir(runDir); err != nil {
		return nil, fmt.Errorf("%w: preparing %s: %w", ErrInfrastructure, runDir, err)
	}
	promptPath := filepath.Join(runDir, result.PromptFile)
	prompt, err := os.ReadFile(e.cfg.Resolve(promptFor(e.cfg, sub)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading prompt: %w", ErrInfrastructure, err)
	}
	if err := os.WriteFile(promptPath, prompt, 0o644); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %w", ErrInfrastructure, result.PromptFile, err)
	}

	e.events.emit(Event{Kind: EventRunStarted, Tier: key.Tier, Subtest: key.Subtest, Key: key})
	run := result.NewRun(key)

	out, err := e.agent.Execute(ctx, AgentInput{
		Key:        key,
		RunDir:     runDir,
		PromptPath: promptPath,
		Env:        unitEnv(tier.Env, sub.Env),
		Mounts:     e.mounts(tier, sub),
	})
	if err != nil {
		return nil, err
	}
	ar := out.Result
	sum := &result.RunSummary{
		Key:        key,
		ExitReason: ar.ExitReason,
		DurationS:  ar.DurationS,
		Tokens:     ar.Tokens,
		CostUSD:    ar.CostUSD,
	}

	if ar.Workspace != "" {
		e.advance(run, result.StateWorkspaceReady, result.StateAgentRunning)
	}
	if !ar.OK() {
		if ar.TimedOut {
			e.advance(run, result.StateTimedOut)
		} else {
			e.advance(run, result.StateFailed)
		}
		sum.Error = agentFailure(ar)
	} else {
		defer e.workspaces.Release(out.Workspace)
		e.advance(run, result.StateAgentDone, result.StateJudging)
		judged, c := e.engine.Evaluate(ctx, consensus.Input{
			Key:        key,
			RunDir:     runDir,
			Workspace:  out.Workspace.Dir,
			PromptPath: promptPath,
			DiffPath:   ar.DiffPath,
		})
		for _, j := range judged {
			if j.Fatal != nil {
				return nil, j.Fatal
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.advance(run, result.StateJudged)
		applyConsensus(sum, c)
	}
	sum.State = run.State
	sum.CompletedAt = time.Now().UTC()

	// A finished run is recorded even if the experiment is being cancelled.
	if _, err := e.store.Record(context.WithoutCancel(ctx), key, sum); err != nil {
		return nil, fmt.Errorf("%w: checkpointing %s: %w", ErrInfrastructure, key, err)
	}
	e.log.Info("run finished", "run", key, "state", sum.State, "passed", sum.Passed, "score", scoreString(sum))
	e.events.emit(Event{Kind: EventRunFinished, Tier: key.Tier, Subtest: key.Subtest, Key: key, Run: sum})
	return sum, nil
}

// Verify checks a checkpointed summary against the result files on disk.
// Only missing or inconsistent files are errors. The verdict is then
// recomputed from the stored judge results under the current consensus
// settings; the bool reports whether it differs from the recorded one, in
// which case the returned summary carries the new verdict.
func (e *RunExecutor) Verify(key result.RunKey, sum *result.RunSummary) (*result.RunSummary, bool, error) {
	runDir := result.RunDir(e.root, key)
	ar, err := result.ReadAgentResult(runDir)
	if err != nil {
		return nil, false, fmt.Errorf("agent result: %w", err)
	}
	switch sum.State {
	case result.StateFailed, result.StateTimedOut:
		if ar.OK() {
			return nil, false, fmt.Errorf("recorded as %s but agent result is clean", sum.State)
		}
		if ar.TimedOut != (sum.State == result.StateTimedOut) {
			return nil, false, fmt.Errorf("recorded as %s but agent timed_out=%t", sum.State, ar.TimedOut)
		}
		return sum, false, nil
	case result.StateJudged, result.StateAggregated:
	default:
		return nil, false, fmt.Errorf("unexpected state %s", sum.State)
	}

	if !ar.OK() {
		return nil, false, fmt.Errorf("recorded as %s but agent result is a failure", sum.State)
	}
	rec := sum.Consensus
	if rec == nil {
		return nil, false, fmt.Errorf("judged run has no consensus")
	}
	judged, err := result.ReadJudgeResults(runDir)
	if err != nil {
		return nil, false, fmt.Errorf("judge results: %w", err)
	}
	if len(judged) != rec.Attempted {
		return nil, false, fmt.Errorf("found %d judge results, recorded %d", len(judged), rec.Attempted)
	}
	var scores []float64
	for _, j := range judged {
		if j.OK() {
			scores = append(scores, j.Score)
		}
	}
	if !sameScores(scores, rec.Scores) {
		return nil, false, fmt.Errorf("judge scores %v, recorded %v", scores, rec.Scores)
	}
	switch {
	case rec.Inconclusive != (sum.Score == nil):
		return nil, false, fmt.Errorf("score presence disagrees with consensus")
	case sum.Score != nil && math.Abs(consensus.Median(scores)-*sum.Score) > 1e-9:
		return nil, false, fmt.Errorf("median %.4f, recorded score %.4f", consensus.Median(scores), *sum.Score)
	}

	c := consensus.Summarize(judged, e.engine.Params())
	if c.Inconclusive == rec.Inconclusive && c.Passed == sum.Passed && c.Agreement == rec.Agreement {
		return sum, false, nil
	}
	updated := *sum
	applyConsensus(&updated, c)
	return &updated, true, nil
}

// Rescore replaces a checkpointed summary whose verdict changed under the
// current consensus settings. No container is started.
func (e *RunExecutor) Rescore(ctx context.Context, sum *result.RunSummary) error {
	if err := e.store.Invalidate(ctx, sum.Key); err != nil {
		return fmt.Errorf("%w: invalidating %s: %w", ErrInfrastructure, sum.Key, err)
	}
	if _, err := e.store.Record(context.WithoutCancel(ctx), sum.Key, sum); err != nil {
		return fmt.Errorf("%w: checkpointing %s: %w", ErrInfrastructure, sum.Key, err)
	}
	e.log.Info("run rescored from stored judge results", "run", sum.Key, "passed", sum.Passed, "score", scoreString(sum))
	return nil
}

// applyConsensus copies a consensus verdict into a run summary.
func applyConsensus(sum *result.RunSummary, c *result.ConsensusResult) {
	sum.Consensus = c
	sum.Passed = c.Passed
	sum.Score = nil
	sum.Error = ""
	if c.Inconclusive {
		sum.Error = fmt.Sprintf("inconclusive: %d of %d judges succeeded", c.Succeeded, c.Attempted)
		return
	}
	score := c.Score
	sum.Score = &score
}

func sameScores(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func (e *RunExecutor) advance(run *result.Run, states ...result.RunState) {
	for _, s := range states {
		if err := run.Advance(s); err != nil {
			e.log.Error("run lifecycle", "err", err)
		}
	}
}

func (e *RunExecutor) mounts(tier config.Tier, sub config.Subtest) []docker.Mount {
	var out []docker.Mount
	for _, m := range append(append([]config.Mount(nil), tier.Mounts...), sub.Mounts...) {
		out = append(out, docker.Mount{Source: absPath(e.cfg.Resolve(m.Source)), Target: m.Target, ReadOnly: true})
	}
	return out
}

func promptFor(cfg *config.Config, sub config.Subtest) string {
	if sub.Prompt != "" {
		return sub.Prompt
	}
	return cfg.Task.Prompt
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func scoreString(s *result.RunSummary) string {
	if s.Score == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *s.Score)
}
