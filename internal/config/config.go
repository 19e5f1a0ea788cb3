package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/tierbench/internal/result"
)

// Execution unit kinds. The set is closed; anything else fails validation.
const (
	KindContainer = "container"
	KindAdapter   = "adapter"
)

// Checkpoint backends.
const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

type Config struct {
	Name        string     `yaml:"name"`
	Task        Task       `yaml:"task"`
	Runs        int        `yaml:"runs"`
	Tiers       []Tier     `yaml:"tiers"`
	Agent       Agent      `yaml:"agent"`
	Judges      Judges     `yaml:"judges"`
	Parallel    Parallel   `yaml:"parallel"`
	Limits      Limits     `yaml:"limits"`
	Credentials []string   `yaml:"credentials"`
	Secrets     Secrets    `yaml:"secrets"`
	Results     Results    `yaml:"results"`
	Checkpoint  Checkpoint `yaml:"checkpoint"`
	Workspace   Workspace  `yaml:"workspace"`
	Pricing     Pricing    `yaml:"pricing"`
	Archive     Archive    `yaml:"archive"`

	// BaseDir is the directory of the config file; relative paths resolve against it.
	BaseDir string `yaml:"-"`
}

type Task struct {
	ID       string `yaml:"id"`
	Repo     string `yaml:"repo"`
	Revision string `yaml:"revision"`
	Prompt   string `yaml:"prompt"`
}

type Tier struct {
	Name     string            `yaml:"name"`
	Env      map[string]string `yaml:"env"`
	Mounts   []Mount           `yaml:"mounts"`
	Subtests []Subtest         `yaml:"subtests"`
}

type Subtest struct {
	Name   string            `yaml:"name"`
	Prompt string            `yaml:"prompt"`
	Env    map[string]string `yaml:"env"`
	Mounts []Mount           `yaml:"mounts"`
}

// Mount is a host path exposed read-only to the agent container, such as a
// tier's tool bundle.
type Mount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type Agent struct {
	Kind           string            `yaml:"kind"`
	Image          string            `yaml:"image"`
	Adapter        string            `yaml:"adapter"`
	Command        []string          `yaml:"command"`
	Model          string            `yaml:"model"`
	Provider       string            `yaml:"provider"`
	Env            map[string]string `yaml:"env"`
	TimeoutMinutes int               `yaml:"timeout_minutes"`
}

func (a Agent) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

type Judges struct {
	Count                 int               `yaml:"count"`
	Quorum                int               `yaml:"quorum"`
	DisagreementThreshold float64           `yaml:"disagreement_threshold"`
	MaxRetries            *int              `yaml:"max_retries"`
	PassThreshold         float64           `yaml:"pass_threshold"`
	TimeoutMinutes        int               `yaml:"timeout_minutes"`
	Prompt                string            `yaml:"prompt"`
	Rubric                []RubricCriterion `yaml:"rubric"`
	Panel                 []Judge           `yaml:"panel"`
}

func (j Judges) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

// Retries returns the configured cap on additional judge passes.
func (j Judges) Retries() int {
	if j.MaxRetries == nil {
		return 1
	}
	return *j.MaxRetries
}

type Judge struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	Image   string            `yaml:"image"`
	Adapter string            `yaml:"adapter"`
	Command []string          `yaml:"command"`
	Model   string            `yaml:"model"`
	Env     map[string]string `yaml:"env"`
}

type RubricCriterion struct {
	Criterion string  `yaml:"criterion"`
	Weight    float64 `yaml:"weight"`
}

type Parallel struct {
	Runs       int `yaml:"runs"`
	Subtests   int `yaml:"subtests"`
	Containers int `yaml:"containers"`
}

type Limits struct {
	CPUs      float64 `yaml:"cpus"`
	MemoryMB  int64   `yaml:"memory_mb"`
	PidsLimit int64   `yaml:"pids_limit"`
	DiskMB    int64   `yaml:"disk_mb"`
	NoNetwork bool    `yaml:"no_network"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Checkpoint struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Workspace struct {
	Cleanup bool `yaml:"cleanup"`
}

type Pricing struct {
	File string `yaml:"file"`
}

type Archive struct {
	Dir       string `yaml:"dir"`
	AzureURL  string `yaml:"azure_url"`
	Container string `yaml:"container"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}
	cfg.BaseDir = abs
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve returns p relative to the config file's directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// RunKeys enumerates the declared run space in tier, subtest, run order.
func (c *Config) RunKeys() []result.RunKey {
	var keys []result.RunKey
	for _, t := range c.Tiers {
		for _, s := range t.Subtests {
			keys = append(keys, SubtestKeys(t.Name, s.Name, c.Runs)...)
		}
	}
	return keys
}

func SubtestKeys(tier, subtest string, runs int) []result.RunKey {
	keys := make([]result.RunKey, 0, runs)
	for n := 1; n <= runs; n++ {
		keys = append(keys, result.RunKey{Tier: tier, Subtest: subtest, Run: n})
	}
	return keys
}

// Filter narrows the tiers and subtests in place. Empty names match everything.
func (c *Config) Filter(tier, subtest string) error {
	var tiers []Tier
	for _, t := range c.Tiers {
		if tier != "" && t.Name != tier {
			continue
		}
		if subtest != "" {
			var subs []Subtest
			for _, s := range t.Subtests {
				if s.Name == subtest {
					subs = append(subs, s)
				}
			}
			if len(subs) == 0 {
				continue
			}
			t.Subtests = subs
		}
		tiers = append(tiers, t)
	}
	if len(tiers) == 0 {
		return fmt.Errorf("no tiers match filter tier=%q subtest=%q", tier, subtest)
	}
	c.Tiers = tiers
	return nil
}

func validate(cfg *Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.Task.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if cfg.Task.Repo == "" {
		return fmt.Errorf("task: repo is required")
	}
	if cfg.Task.Revision == "" {
		return fmt.Errorf("task: revision is required")
	}
	if cfg.Runs < 1 {
		return fmt.Errorf("runs must be at least 1")
	}
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	tierNames := map[string]bool{}
	for i := range cfg.Tiers {
		t := &cfg.Tiers[i]
		if err := validateName(t.Name); err != nil {
			return fmt.Errorf("tier %d: %w", i, err)
		}
		if tierNames[t.Name] {
			return fmt.Errorf("tier %q: duplicate name", t.Name)
		}
		tierNames[t.Name] = true
		if len(t.Subtests) == 0 {
			return fmt.Errorf("tier %q: no subtests defined", t.Name)
		}
		subNames := map[string]bool{}
		for j, s := range t.Subtests {
			if err := validateName(s.Name); err != nil {
				return fmt.Errorf("tier %q subtest %d: %w", t.Name, j, err)
			}
			if subNames[s.Name] {
				return fmt.Errorf("tier %q subtest %q: duplicate name", t.Name, s.Name)
			}
			subNames[s.Name] = true
			if s.Prompt == "" && cfg.Task.Prompt == "" {
				return fmt.Errorf("tier %q subtest %q: prompt is required when task has none", t.Name, s.Name)
			}
		}
	}

	if err := validateAgent(&cfg.Agent); err != nil {
		return err
	}
	if err := validateJudges(&cfg.Judges); err != nil {
		return err
	}

	if cfg.Parallel.Runs < 1 {
		cfg.Parallel.Runs = 1
	}
	if cfg.Parallel.Subtests < 1 {
		cfg.Parallel.Subtests = 1
	}
	if cfg.Parallel.Containers < 1 {
		cfg.Parallel.Containers = cfg.Parallel.Runs * cfg.Parallel.Subtests * (1 + cfg.Judges.Count)
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	switch cfg.Checkpoint.Backend {
	case "":
		cfg.Checkpoint.Backend = BackendSQLite
	case BackendSQLite, BackendJSONL:
	default:
		return fmt.Errorf("checkpoint: unknown backend %q", cfg.Checkpoint.Backend)
	}
	if cfg.Archive.AzureURL != "" && cfg.Archive.Container == "" {
		return fmt.Errorf("archive: container is required with azure_url")
	}
	return nil
}

func validateAgent(a *Agent) error {
	if a.Kind == "" {
		a.Kind = KindContainer
	}
	if err := validateKind("agent", a.Kind, a.Adapter); err != nil {
		return err
	}
	if a.Image == "" {
		return fmt.Errorf("agent: image is required")
	}
	if a.TimeoutMinutes <= 0 {
		a.TimeoutMinutes = 30
	}
	return nil
}

func validateJudges(j *Judges) error {
	if len(j.Panel) == 0 {
		return fmt.Errorf("judges: panel must list at least one judge")
	}
	for i := range j.Panel {
		p := &j.Panel[i]
		if p.Name == "" {
			return fmt.Errorf("judge %d: name is required", i)
		}
		if p.Kind == "" {
			p.Kind = KindContainer
		}
		if err := validateKind(fmt.Sprintf("judge %q", p.Name), p.Kind, p.Adapter); err != nil {
			return err
		}
		if p.Image == "" {
			return fmt.Errorf("judge %q: image is required", p.Name)
		}
	}
	if j.Count <= 0 {
		j.Count = 3
	}
	if j.Quorum <= 0 {
		j.Quorum = j.Count/2 + 1
	}
	if j.Quorum > j.Count {
		return fmt.Errorf("judges: quorum %d exceeds count %d", j.Quorum, j.Count)
	}
	if j.DisagreementThreshold <= 0 {
		j.DisagreementThreshold = 0.3
	}
	if j.MaxRetries != nil && *j.MaxRetries < 0 {
		return fmt.Errorf("judges: max_retries must not be negative")
	}
	if j.PassThreshold <= 0 {
		j.PassThreshold = 0.5
	}
	if j.PassThreshold > 1 {
		return fmt.Errorf("judges: pass_threshold must be in (0, 1]")
	}
	if j.TimeoutMinutes <= 0 {
		j.TimeoutMinutes = 10
	}
	return nil
}

// validateName rejects names that cannot serve as a single directory
// component of the results tree.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is required")
	case name == "." || name == "..":
		return fmt.Errorf("name %q is not a valid directory name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("name %q contains a path separator", name)
	case strings.ContainsFunc(name, unicode.IsControl):
		return fmt.Errorf("name %q contains control characters", name)
	}
	return nil
}

func validateKind(what, kind, adapter string) error {
	switch kind {
	case KindContainer:
		return nil
	case KindAdapter:
		if adapter == "" {
			return fmt.Errorf("%s: adapter is required for kind %q", what, kind)
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown kind %q", what, kind)
	}
}
