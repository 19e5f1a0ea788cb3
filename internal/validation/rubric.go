package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalnine/tierbench/internal/config"
)

// ComputeRubricScore calculates a weighted average from per-criterion scores.
// With no rubric every breakdown entry weighs the same.
func ComputeRubricScore(rubric []config.RubricCriterion, scores map[string]float64) float64 {
	if len(rubric) == 0 {
		if len(scores) == 0 {
			return 0.0
		}
		var sum float64
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	}
	var totalWeight, weightedSum float64
	for _, r := range rubric {
		score, ok := scores[r.Criterion]
		if !ok {
			continue
		}
		weightedSum += score * r.Weight
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

// ResolveScore returns the judge's overall score, deriving it from the
// breakdown when the judge gave none.
func ResolveScore(out *JudgeOutput, rubric []config.RubricCriterion) float64 {
	if out.Score != nil {
		return *out.Score
	}
	return ComputeRubricScore(rubric, out.Breakdown)
}

// ExtractJSON pulls the first JSON object out of free text, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			content = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in judge response")
	}
	candidate := []byte(content[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("judge response contains malformed JSON")
	}
	return candidate, nil
}
