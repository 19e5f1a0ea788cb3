package consensus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tierbench/internal/consensus"
	"github.com/signalnine/tierbench/internal/result"
)

// scripted returns a fixed score per pass. Passes beyond the script reuse the last score.
type scripted struct {
	name   string
	scores []float64
	fail   map[int]bool
	calls  atomic.Int32
	mu     sync.Mutex
	passes []int
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Execute(ctx context.Context, in consensus.Input) *result.JudgeResult {
	s.calls.Add(1)
	s.mu.Lock()
	s.passes = append(s.passes, in.Pass)
	s.mu.Unlock()
	if s.fail[in.Pass] {
		return &result.JudgeResult{Judge: s.name, Pass: in.Pass, Error: "container crashed"}
	}
	score := s.scores[min(in.Pass, len(s.scores)-1)]
	return &result.JudgeResult{Judge: s.name, Pass: in.Pass, Score: score, Passed: score >= 0.5}
}

func params() consensus.Params {
	return consensus.Params{Count: 3, Quorum: 2, Threshold: 0.3, MaxRetries: 1, PassThreshold: 0.5}
}

func TestMedianNoRetry(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.93, 0.90, 1.00}}
	e, err := consensus.New([]consensus.Judge{j}, params(), nil)
	require.NoError(t, err)

	results, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.Len(t, results, 3)
	assert.Equal(t, int32(3), j.calls.Load())
	assert.InDelta(t, 0.93, c.Score, 1e-9)
	assert.True(t, c.Agreement)
	assert.Equal(t, 0, c.Retries)
	assert.False(t, c.Inconclusive)
	assert.True(t, c.Passed)
	assert.Equal(t, 3, c.PassVotes)
}

func TestDisagreementTriggersOneRetry(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.2, 0.9, 0.95, 0.85}}
	e, err := consensus.New([]consensus.Judge{j}, params(), nil)
	require.NoError(t, err)

	results, c := e.Evaluate(context.Background(), consensus.Input{})
	require.Len(t, results, 4)
	assert.Equal(t, int32(4), j.calls.Load())
	assert.Equal(t, 1, c.Retries)
	assert.Len(t, c.Scores, 4)
	// median of 0.2, 0.85, 0.9, 0.95
	assert.InDelta(t, 0.875, c.Score, 1e-9)
	assert.False(t, c.Agreement)
	assert.Equal(t, 3, results[3].Pass)
}

func TestRetryCapRespected(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.0, 1.0, 0.5}}
	p := params()
	p.MaxRetries = 3
	e, err := consensus.New([]consensus.Judge{j}, p, nil)
	require.NoError(t, err)

	results, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.Len(t, results, 6)
	assert.Equal(t, 3, c.Retries)
}

func TestZeroRetries(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.0, 1.0, 0.5}}
	p := params()
	p.MaxRetries = 0
	e, err := consensus.New([]consensus.Judge{j}, p, nil)
	require.NoError(t, err)
	results, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.Len(t, results, 3)
	assert.Equal(t, 0, c.Retries)
	assert.InDelta(t, 0.5, c.Score, 1e-9)
}

func TestFailedJudgeExcluded(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.9, 0.1, 0.85}, fail: map[int]bool{1: true}}
	e, err := consensus.New([]consensus.Judge{j}, params(), nil)
	require.NoError(t, err)

	_, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.Equal(t, 3, c.Attempted)
	assert.Equal(t, 2, c.Succeeded)
	assert.InDelta(t, 0.875, c.Score, 1e-9)
	assert.False(t, c.Inconclusive)
	assert.Equal(t, 0, c.Retries)
}

func TestBelowQuorumInconclusive(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.9, 0.9, 0.9}, fail: map[int]bool{0: true, 2: true}}
	e, err := consensus.New([]consensus.Judge{j}, params(), nil)
	require.NoError(t, err)

	_, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.True(t, c.Inconclusive)
	assert.False(t, c.Passed)
	assert.Equal(t, 1, c.Succeeded)
	assert.Equal(t, int32(3), j.calls.Load())
}

func TestJudgesRunInParallelAndCycle(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := func(name string) *blocking {
		return &blocking{name: name, inflight: &inflight, peak: &peak}
	}
	a, b := slow("a"), slow("b")
	e, err := consensus.New([]consensus.Judge{a, b}, params(), nil)
	require.NoError(t, err)

	results, _ := e.Evaluate(context.Background(), consensus.Input{})
	assert.Equal(t, int32(3), peak.Load())
	assert.Equal(t, "a", results[0].Judge)
	assert.Equal(t, "b", results[1].Judge)
	assert.Equal(t, "a", results[2].Judge)
}

type blocking struct {
	name     string
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (b *blocking) Name() string { return b.name }

func (b *blocking) Execute(ctx context.Context, in consensus.Input) *result.JudgeResult {
	n := b.inflight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.peak.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.inflight.Add(-1)
	return &result.JudgeResult{Judge: b.name, Pass: in.Pass, Score: 0.8}
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Execute(ctx context.Context, in consensus.Input) *result.JudgeResult {
	panic("boom")
}

func TestPanickingJudgeIsAFailure(t *testing.T) {
	e, err := consensus.New([]consensus.Judge{panicky{}}, params(), nil)
	require.NoError(t, err)
	results, c := e.Evaluate(context.Background(), consensus.Input{})
	require.Len(t, results, 3)
	assert.Contains(t, results[0].Error, "panic")
	assert.True(t, c.Inconclusive)
}

func TestSummarizeMatchesEvaluate(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{0.2, 0.9, 0.95, 0.85}}
	e, err := consensus.New([]consensus.Judge{j}, params(), nil)
	require.NoError(t, err)
	results, c := e.Evaluate(context.Background(), consensus.Input{})
	assert.Equal(t, c, consensus.Summarize(results, params()))
}

func TestNewValidates(t *testing.T) {
	j := &scripted{name: "j", scores: []float64{1}}
	_, err := consensus.New(nil, params(), nil)
	assert.Error(t, err)
	p := params()
	p.Quorum = 4
	_, err = consensus.New([]consensus.Judge{j}, p, nil)
	assert.Error(t, err)
}

func TestMedian(t *testing.T) {
	tests := []struct {
		scores []float64
		want   float64
	}{
		{[]float64{0.5, 0.7, 0.6}, 0.6},
		{[]float64{0.8, 0.8, 0.9}, 0.8},
		{[]float64{1.0}, 1.0},
		{[]float64{0.2, 0.4}, 0.3},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, consensus.Median(tt.scores), 1e-9, "Median(%v)", tt.scores)
	}
}

func TestMaxPairwiseDiff(t *testing.T) {
	assert.InDelta(t, 0.75, consensus.MaxPairwiseDiff([]float64{0.2, 0.9, 0.95}), 1e-9)
	assert.Equal(t, 0.0, consensus.MaxPairwiseDiff([]float64{0.5}))
}
