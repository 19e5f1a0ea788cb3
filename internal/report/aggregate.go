package report

import (
	"math"
	"sort"

	"github.com/signalnine/tierbench/internal/result"
)

// Summary aggregates terminal runs. Every run counts toward the pass rate;
// score statistics cover only runs with a conclusive consensus score.
type Summary struct {
	Runs          int     `json:"runs"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	TimedOut      int     `json:"timed_out"`
	Inconclusive  int     `json:"inconclusive"`
	Scored        int     `json:"scored"`
	PassRate      float64 `json:"pass_rate"`
	MeanScore     float64 `json:"mean_score"`
	MedianScore   float64 `json:"median_score"`
	StdDevScore   float64 `json:"stddev_score"`
	Consistency   float64 `json:"consistency"`
	MeanCostUSD   float64 `json:"mean_cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	MeanDurationS float64 `json:"mean_duration_s"`
	MeanTokens    float64 `json:"mean_tokens"`
}

// Summarize is pure and order-independent.
func Summarize(runs []*result.RunSummary) Summary {
	sorted := make([]*result.RunSummary, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	var s Summary
	var scores []float64
	var duration, tokens float64
	for _, r := range sorted {
		s.Runs++
		if r.Passed {
			s.Passed++
		}
		switch r.State {
		case result.StateFailed:
			s.Failed++
		case result.StateTimedOut:
			s.TimedOut++
		}
		if r.Consensus != nil && r.Consensus.Inconclusive {
			s.Inconclusive++
		}
		if r.Score != nil {
			scores = append(scores, *r.Score)
		}
		s.TotalCostUSD += r.CostUSD
		duration += r.DurationS
		tokens += float64(r.Tokens.Total())
	}
	if s.Runs == 0 {
		return s
	}
	n := float64(s.Runs)
	s.PassRate = float64(s.Passed) / n
	s.MeanCostUSD = s.TotalCostUSD / n
	s.MeanDurationS = duration / n
	s.MeanTokens = tokens / n

	s.Scored = len(scores)
	if s.Scored > 0 {
		sort.Float64s(scores)
		s.MeanScore = mean(scores)
		s.MedianScore = median(scores)
		s.StdDevScore = stddev(scores, s.MeanScore)
		s.Consistency = Consistency(s.MeanScore, s.StdDevScore)
	}
	return s
}

// Consistency is 1 minus the coefficient of variation, clamped to [0, 1].
// A zero mean gives 0.
func Consistency(mean, stddev float64) float64 {
	if mean <= 0 {
		return 0
	}
	c := 1 - stddev/mean
	return math.Max(0, math.Min(1, c))
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// median expects sorted input.
func median(xs []float64) float64 {
	mid := len(xs) / 2
	if len(xs)%2 == 0 {
		return (xs[mid-1] + xs[mid]) / 2
	}
	return xs[mid]
}

// stddev is the population standard deviation.
func stddev(xs []float64, m float64) float64 {
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
