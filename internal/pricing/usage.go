package pricing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/signalnine/tierbench/internal/result"
)

// UsageRecord is one line of a usage.jsonl file an agent may write next to
// its result when it cannot total its own token counts.
type UsageRecord struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
	CacheReadTokens  int    `json:"cache_read_tokens"`
	CacheWriteTokens int    `json:"cache_write_tokens"`
}

func (r UsageRecord) Tokens() result.TokenUsage {
	return result.TokenUsage{
		Input:      r.InputTokens,
		Output:     r.OutputTokens,
		CacheRead:  r.CacheReadTokens,
		CacheWrite: r.CacheWriteTokens,
	}
}

// ParseUsageLogs reads usage records, skipping blank, malformed, and model-less lines.
func ParseUsageLogs(logPath string) ([]UsageRecord, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("reading usage log: %w", err)
	}
	var records []UsageRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Model != "" {
			records = append(records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning usage log: %w", err)
	}
	return records, nil
}

func TotalUsage(records []UsageRecord) result.TokenUsage {
	var total result.TokenUsage
	for _, r := range records {
		total = total.Add(r.Tokens())
	}
	return total
}

// RecordsCost prices each record with its own provider and model.
func (t *Table) RecordsCost(records []UsageRecord) float64 {
	var cost float64
	for _, r := range records {
		cost += t.UsageCost(r.Provider, r.Model, r.Tokens())
	}
	return cost
}
