// Package consensus turns several independent judge verdicts into one score.
//
// The score is the median of the successful judges. When the successful
// scores spread wider than the disagreement threshold, one more judge pass is
// requested and the median recomputed, up to a retry cap. Failed judges are
// left out of the median; too few successes make the verdict inconclusive.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/logger"
	"github.com/signalnine/tierbench/internal/result"
)

// epsilon absorbs float noise when comparing against thresholds.
const epsilon = 1e-9

// Input is everything a judge sees of a finished agent run.
type Input struct {
	Key        result.RunKey
	RunDir     string
	Workspace  string
	PromptPath string
	DiffPath   string
	// Pass is the judge slot number, assigned by the engine.
	Pass int
}

// Judge evaluates one run. Failures are reported in the result, never returned.
type Judge interface {
	Name() string
	Execute(ctx context.Context, in Input) *result.JudgeResult
}

type Params struct {
	Count         int
	Quorum        int
	Threshold     float64
	MaxRetries    int
	PassThreshold float64
}

type Engine struct {
	judges []Judge
	params Params
	log    *log.Logger
}

func New(judges []Judge, p Params, l *log.Logger) (*Engine, error) {
	if len(judges) == 0 {
		return nil, fmt.Errorf("consensus: no judges")
	}
	if p.Count < 1 {
		return nil, fmt.Errorf("consensus: judge count must be at least 1")
	}
	if p.Quorum < 1 || p.Quorum > p.Count {
		return nil, fmt.Errorf("consensus: quorum %d out of range 1..%d", p.Quorum, p.Count)
	}
	return &Engine{judges: judges, params: p, log: logger.OrDiscard(l)}, nil
}

func (e *Engine) Params() Params {
	return e.params
}

// Evaluate runs the judge panel in parallel and applies the retry policy.
// The returned results hold every pass, failed ones included, in pass order.
func (e *Engine) Evaluate(ctx context.Context, in Input) ([]*result.JudgeResult, *result.ConsensusResult) {
	results := e.runPasses(ctx, in, 0, e.params.Count)
	c := Summarize(results, e.params)
	for !c.Inconclusive && !c.Agreement && c.Retries < e.params.MaxRetries && ctx.Err() == nil {
		e.log.Info("judges disagree, requesting another pass",
			"run", in.Key, "spread", fmt.Sprintf("%.3f", c.MaxSpread), "scores", c.Scores)
		results = append(results, e.runPasses(ctx, in, len(results), 1)...)
		c = Summarize(results, e.params)
	}
	return results, c
}

func (e *Engine) runPasses(ctx context.Context, in Input, first, n int) []*result.JudgeResult {
	out := make([]*result.JudgeResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pass := first + i
			j := e.judges[pass%len(e.judges)]
			defer func() {
				if r := recover(); r != nil {
					out[i] = &result.JudgeResult{Judge: j.Name(), Pass: pass, Error: fmt.Sprintf("panic: %v", r)}
				}
			}()
			jin := in
			jin.Pass = pass
			res := j.Execute(ctx, jin)
			if res == nil {
				res = &result.JudgeResult{Judge: j.Name(), Pass: pass, Error: "judge returned no result"}
			}
			out[i] = res
		}(i)
	}
	wg.Wait()
	return out
}

// Summarize recomputes a consensus from stored judge results. It is pure, so
// a checkpointed verdict can be checked against the files on disk.
func Summarize(results []*result.JudgeResult, p Params) *result.ConsensusResult {
	c := &result.ConsensusResult{
		Attempted: len(results),
		Retries:   max(0, len(results)-p.Count),
		Scores:    []float64{},
	}
	for _, r := range results {
		if r == nil || !r.OK() {
			continue
		}
		c.Scores = append(c.Scores, r.Score)
		if r.Passed {
			c.PassVotes++
		}
	}
	c.Succeeded = len(c.Scores)
	if c.Succeeded < p.Quorum || c.Succeeded == 0 {
		c.Inconclusive = true
		return c
	}
	c.Score = Median(c.Scores)
	c.MaxSpread = MaxPairwiseDiff(c.Scores)
	c.Agreement = c.MaxSpread <= p.Threshold+epsilon
	c.Passed = c.Score+epsilon >= p.PassThreshold
	return c
}

// Median returns the median of scores without modifying them.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// MaxPairwiseDiff is the largest absolute difference between any two scores.
func MaxPairwiseDiff(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return hi - lo
}
