package result

import (
	"fmt"
	"time"
)

// RunKey identifies one run in the declared experiment space.
type RunKey struct {
	Tier    string `json:"tier"`
	Subtest string `json:"subtest"`
	Run     int    `json:"run"`
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Tier, k.Subtest, RunDirName(k.Run))
}

// Less orders keys by tier, subtest, then run number.
func (k RunKey) Less(o RunKey) bool {
	if k.Tier != o.Tier {
		return k.Tier < o.Tier
	}
	if k.Subtest != o.Subtest {
		return k.Subtest < o.Subtest
	}
	return k.Run < o.Run
}

type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read,omitempty"`
	CacheWrite int `json:"cache_write,omitempty"`
}

func (t TokenUsage) Total() int {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

func (t TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:      t.Input + o.Input,
		Output:     t.Output + o.Output,
		CacheRead:  t.CacheRead + o.CacheRead,
		CacheWrite: t.CacheWrite + o.CacheWrite,
	}
}

// ResourceUsage is what the container runtime observed while a container ran.
type ResourceUsage struct {
	PeakMemoryBytes uint64 `json:"peak_memory_bytes,omitempty"`
	CPUTimeNanos    uint64 `json:"cpu_time_ns,omitempty"`
}

// Exit reasons recorded on AgentResult.
const (
	ExitCompleted       = "completed"
	ExitGaveUp          = "gave_up"
	ExitCrashed         = "crashed"
	ExitTimeout         = "timeout"
	ExitMalformedOutput = "malformed_output"
	ExitError           = "error"
)

// AgentResult is written to agent/result.json once the agent container exits.
type AgentResult struct {
	ExitCode    int           `json:"exit_code"`
	ExitReason  string        `json:"exit_reason"`
	TimedOut    bool          `json:"timed_out"`
	DurationS   float64       `json:"duration_s"`
	Tokens      TokenUsage    `json:"tokens"`
	CostUSD     float64       `json:"cost_usd"`
	Model       string        `json:"model,omitempty"`
	Status      string        `json:"status,omitempty"`
	Workspace   string        `json:"workspace,omitempty"`
	DiffPath    string        `json:"diff_path,omitempty"`
	Resources   ResourceUsage `json:"resources"`
	OutputError string        `json:"output_error,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// OK reports whether the agent finished and produced well-formed output.
func (a *AgentResult) OK() bool {
	return a.Error == "" && a.OutputError == "" && !a.TimedOut && a.ExitCode == 0
}

// JudgeResult is written to judge/judge_NN/result.json for every judge pass.
type JudgeResult struct {
	Judge       string             `json:"judge"`
	Pass        int                `json:"pass"`
	Score       float64            `json:"score"`
	Passed      bool               `json:"passed"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty"`
	Rationale   string             `json:"rationale,omitempty"`
	ExitCode    int                `json:"exit_code"`
	TimedOut    bool               `json:"timed_out"`
	DurationS   float64            `json:"duration_s"`
	OutputError string             `json:"output_error,omitempty"`
	Error       string             `json:"error,omitempty"`

	// Fatal carries an infrastructure failure or cancellation. A run whose
	// judging saw one is abandoned rather than checkpointed.
	Fatal error `json:"-"`
}

// OK reports whether the judge produced a usable score.
func (j *JudgeResult) OK() bool {
	return j.Error == "" && j.OutputError == "" && !j.TimedOut
}

type ConsensusResult struct {
	Score        float64   `json:"score"`
	Scores       []float64 `json:"scores"`
	Agreement    bool      `json:"agreement"`
	MaxSpread    float64   `json:"max_spread"`
	Retries      int       `json:"retries"`
	Attempted    int       `json:"attempted"`
	Succeeded    int       `json:"succeeded"`
	PassVotes    int       `json:"pass_votes"`
	Inconclusive bool      `json:"inconclusive"`
	Passed       bool      `json:"passed"`
}

// RunSummary is the checkpoint value for a terminal run. It carries enough
// to rebuild every aggregate without re-reading result files.
type RunSummary struct {
	Key         RunKey           `json:"key"`
	State       RunState         `json:"state"`
	Passed      bool             `json:"passed"`
	Score       *float64         `json:"score,omitempty"`
	ExitReason  string           `json:"exit_reason"`
	DurationS   float64          `json:"duration_s"`
	Tokens      TokenUsage       `json:"tokens"`
	CostUSD     float64          `json:"cost_usd"`
	Consensus   *ConsensusResult `json:"consensus,omitempty"`
	Error       string           `json:"error,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Aggregated returns a copy of a judged summary advanced to aggregated.
// Any other summary is returned as is.
func (s *RunSummary) Aggregated() *RunSummary {
	if s.State != StateJudged {
		return s
	}
	run := &Run{Key: s.Key, State: s.State}
	if err := run.Advance(StateAggregated); err != nil {
		return s
	}
	c := *s
	c.State = run.State
	return &c
}
