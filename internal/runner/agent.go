package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/logger"
	"github.com/signalnine/tierbench/internal/pricing"
	"github.com/signalnine/tierbench/internal/result"
	"github.com/signalnine/tierbench/internal/validation"
	"github.com/signalnine/tierbench/internal/workspace"
)

// AgentInput is one run as the agent sees it.
type AgentInput struct {
	Key        result.RunKey
	RunDir     string
	PromptPath string
	// Env and Mounts come from the tier and subtest.
	Env    map[string]string
	Mounts []docker.Mount
}

type AgentOutcome struct {
	Result *result.AgentResult
	// Workspace is handed over only when the agent succeeded. The caller
	// releases it once judging is done.
	Workspace *workspace.Workspace
}

// Agent executes the task under evaluation. Run failures come back in the
// outcome; the error is reserved for infrastructure failures and cancellation.
type Agent interface {
	Execute(ctx context.Context, in AgentInput) (*AgentOutcome, error)
}

type AgentDeps struct {
	Runtime     docker.Runtime
	Workspaces  *workspace.Manager
	Pricing     *pricing.Table
	Credentials map[string]string
	Limits      docker.Limits
	NoNetwork   bool
	UserID      string
	Labels      map[string]string
	Log         *log.Logger
}

type agentUnit struct {
	cfg    config.Agent
	launch launcher
	deps   AgentDeps
	log    *log.Logger
}

func NewAgent(cfg config.Agent, resolve func(string) string, deps AgentDeps) (Agent, error) {
	l, err := newLauncher(cfg.Kind, cfg.Adapter, cfg.Command, resolve)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if deps.UserID == "" {
		deps.UserID = hostUserID()
	}
	return &agentUnit{cfg: cfg, launch: l, deps: deps, log: logger.OrDiscard(deps.Log)}, nil
}

// ExitReasonFromCode maps a container's exit to a reason.
func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return result.ExitTimeout
	}
	switch code {
	case 0:
		return result.ExitCompleted
	case 2:
		return result.ExitGaveUp
	default:
		return result.ExitCrashed
	}
}

func (a *agentUnit) Execute(ctx context.Context, in AgentInput) (out *AgentOutcome, err error) {
	res := &result.AgentResult{Model: a.cfg.Model}
	var ws *workspace.Workspace
	handedOver := false
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("agent panicked", "run", in.Key, "panic", r)
			res.Error = fmt.Sprintf("panic: %v", r)
			res.ExitReason = result.ExitError
			out, err = &AgentOutcome{Result: res}, nil
			if werr := result.WriteAgentResult(in.RunDir, res); werr != nil {
				err = fmt.Errorf("%w: writing agent result: %w", ErrInfrastructure, werr)
			}
		}
		if !handedOver {
			a.deps.Workspaces.Release(ws)
		}
	}()

	agentDir := filepath.Join(in.RunDir, result.AgentDir)
	outDir := filepath.Join(agentDir, result.ContainerOut)
	if err := resetDir(outDir); err != nil {
		return nil, fmt.Errorf("%w: preparing agent output dir: %w", ErrInfrastructure, err)
	}

	ws, err = a.deps.Workspaces.Create(ctx, in.RunDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.log.Warn("workspace creation failed", "run", in.Key, "err", err)
		res.Error = err.Error()
		res.ExitReason = result.ExitError
		return a.finish(in, res, nil)
	}
	res.Workspace = ws.Dir

	opts := &docker.RunOpts{
		Name:  containerName("agent"),
		Image: a.cfg.Image,
		Env: unitEnv(a.deps.Credentials, a.cfg.Env, in.Env, runEnv(in.Key), map[string]string{
			"TASK_DIR":    containerWorkspace,
			"TASK_PROMPT": containerPrompt,
			"OUTPUT_DIR":  containerOutput,
			"AGENT_MODEL": a.cfg.Model,
		}),
		Mounts: append([]docker.Mount{
			{Source: ws.Dir, Target: containerWorkspace},
			{Source: in.PromptPath, Target: containerPrompt, ReadOnly: true},
			{Source: outDir, Target: containerOutput},
		}, in.Mounts...),
		WorkingDir:      containerWorkspace,
		Timeout:         a.cfg.Timeout(),
		Limits:          a.deps.Limits,
		UserID:          a.deps.UserID,
		Labels:          unitLabels(a.deps.Labels, in.Key, "agent"),
		NetworkDisabled: a.deps.NoNetwork,
	}
	a.launch.apply(opts)

	a.log.Debug("starting agent", "run", in.Key, "image", opts.Image, "container", opts.Name)
	rr, err := a.deps.Runtime.Start(ctx, opts)
	if err != nil {
		if errors.Is(err, docker.ErrBackendUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		a.log.Warn("agent container failed to start", "run", in.Key, "err", err)
		res.Error = err.Error()
		res.ExitReason = result.ExitError
		return a.finish(in, res, nil)
	}
	if err := writeLogs(agentDir, rr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}

	res.ExitCode = rr.ExitCode
	res.TimedOut = rr.TimedOut
	res.DurationS = rr.Duration.Seconds()
	res.ExitReason = ExitReasonFromCode(rr.ExitCode, rr.TimedOut)
	res.Resources = result.ResourceUsage{PeakMemoryBytes: rr.Usage.PeakMemoryBytes, CPUTimeNanos: rr.Usage.CPUTimeNanos}

	a.collectOutput(in.Key, outDir, res)

	diff, derr := a.deps.Workspaces.CaptureDiff(ctx, ws)
	if derr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if res.Error == "" {
			res.Error = derr.Error()
		}
	}
	res.DiffPath = diff

	out, err = a.finish(in, res, ws)
	if err == nil && out.Workspace != nil {
		handedOver = true
	}
	return out, err
}

// collectOutput reads the agent's report and telemetry. Telemetry is kept
// even for failed runs since the tokens were spent regardless.
func (a *agentUnit) collectOutput(key result.RunKey, outDir string, res *result.AgentResult) {
	parsed, perr := validation.ParseAgentOutput(filepath.Join(outDir, result.ResultFile))
	if perr == nil {
		res.Status = parsed.Status
		if parsed.Model != "" {
			res.Model = parsed.Model
		}
		res.Tokens = result.TokenUsage{
			Input:      parsed.Tokens.Input,
			Output:     parsed.Tokens.Output,
			CacheRead:  parsed.Tokens.CacheRead,
			CacheWrite: parsed.Tokens.CacheWrite,
		}
	} else if res.ExitCode == 0 && !res.TimedOut {
		a.log.Warn("agent output rejected", "run", key, "err", perr)
		res.OutputError = perr.Error()
		res.ExitReason = result.ExitMalformedOutput
	}

	var records []pricing.UsageRecord
	if res.Tokens.Total() == 0 {
		if recs, err := pricing.ParseUsageLogs(filepath.Join(outDir, usageFile)); err == nil {
			records = recs
			res.Tokens = pricing.TotalUsage(recs)
		}
	}

	switch {
	case perr == nil && parsed.CostUSD != nil:
		res.CostUSD = *parsed.CostUSD
	case len(records) > 0:
		res.CostUSD = a.deps.Pricing.RecordsCost(records)
	default:
		res.CostUSD = a.deps.Pricing.UsageCost(a.cfg.Provider, res.Model, res.Tokens)
	}
}

func (a *agentUnit) finish(in AgentInput, res *result.AgentResult, ws *workspace.Workspace) (*AgentOutcome, error) {
	if err := result.WriteAgentResult(in.RunDir, res); err != nil {
		return nil, fmt.Errorf("%w: writing agent result: %w", ErrInfrastructure, err)
	}
	out := &AgentOutcome{Result: res}
	if res.OK() {
		out.Workspace = ws
	}
	a.log.Info("agent finished", "run", in.Key, "reason", res.ExitReason,
		"duration", fmt.Sprintf("%.1fs", res.DurationS), "tokens", res.Tokens.Total())
	return out, nil
}

// agentFailure explains why an agent result cannot be judged.
func agentFailure(r *result.AgentResult) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.OutputError != "":
		return "malformed output: " + r.OutputError
	case r.TimedOut:
		return fmt.Sprintf("agent timed out after %.0fs", r.DurationS)
	default:
		return fmt.Sprintf("agent exited with code %d (%s)", r.ExitCode, r.ExitReason)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
