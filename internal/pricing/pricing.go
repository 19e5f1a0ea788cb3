package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tierbench/internal/result"
)

type ModelPricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

type Table struct {
	Providers map[string]map[string]ModelPricing
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

// Lookup finds a model's prices. An empty provider matches the first
// provider that lists the model.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	if provider == "" {
		for _, models := range t.Providers {
			if p, ok := models[model]; ok {
				return p, true
			}
		}
		return ModelPricing{}, false
	}
	p, ok := t.Providers[provider][model]
	return p, ok
}

// UsageCost prices every token class per 1K tokens. Cache classes without a
// price are free.
func (t *Table) UsageCost(provider, model string, u result.TokenUsage) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(u.Input)/1000.0)*p.Input +
		(float64(u.Output)/1000.0)*p.Output +
		(float64(u.CacheRead)/1000.0)*p.CacheRead +
		(float64(u.CacheWrite)/1000.0)*p.CacheWrite
}
