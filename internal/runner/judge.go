package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/consensus"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/logger"
	"github.com/signalnine/tierbench/internal/result"
	"github.com/signalnine/tierbench/internal/validation"
)

type JudgeDeps struct {
	Runtime     docker.Runtime
	Credentials map[string]string
	Limits      docker.Limits
	NoNetwork   bool
	UserID      string
	Labels      map[string]string
	Timeout     time.Duration
	// PromptPath is the shared judging instructions on the host, if any.
	PromptPath    string
	Rubric        []config.RubricCriterion
	PassThreshold float64
	Log           *log.Logger
}

type judgeUnit struct {
	cfg    config.Judge
	launch launcher
	deps   JudgeDeps
	rubric string
	log    *log.Logger
}

// NewJudge builds one panel member. Every kind satisfies consensus.Judge.
func NewJudge(cfg config.Judge, resolve func(string) string, deps JudgeDeps) (consensus.Judge, error) {
	l, err := newLauncher(cfg.Kind, cfg.Adapter, cfg.Command, resolve)
	if err != nil {
		return nil, fmt.Errorf("judge %q: %w", cfg.Name, err)
	}
	if deps.UserID == "" {
		deps.UserID = hostUserID()
	}
	var rubric []byte
	if len(deps.Rubric) > 0 {
		if rubric, err = json.Marshal(deps.Rubric); err != nil {
			return nil, fmt.Errorf("judge %q: encoding rubric: %w", cfg.Name, err)
		}
	}
	return &judgeUnit{cfg: cfg, launch: l, deps: deps, rubric: string(rubric), log: logger.OrDiscard(deps.Log)}, nil
}

func (j *judgeUnit) Name() string {
	return j.cfg.Name
}

func (j *judgeUnit) Execute(ctx context.Context, in consensus.Input) (res *result.JudgeResult) {
	res = &result.JudgeResult{Judge: j.cfg.Name, Pass: in.Pass}
	dir := result.JudgeDirPath(in.RunDir, in.Pass)
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("judge panicked", "run", in.Key, "judge", j.cfg.Name, "panic", r)
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if res.Fatal != nil {
			return
		}
		if err := result.WriteJudgeResult(in.RunDir, in.Pass, res); err != nil {
			res.Error = err.Error()
			res.Fatal = fmt.Errorf("%w: writing judge result: %w", ErrInfrastructure, err)
		}
	}()

	outDir := filepath.Join(dir, result.ContainerOut)
	if err := resetDir(outDir); err != nil {
		res.Error = err.Error()
		res.Fatal = fmt.Errorf("%w: preparing judge output dir: %w", ErrInfrastructure, err)
		return res
	}

	env := map[string]string{
		"TASK_DIR":    containerWorkspace,
		"TASK_PROMPT": containerPrompt,
		"DIFF_PATH":   containerDiff,
		"OUTPUT_DIR":  containerOutput,
		"JUDGE_NAME":  j.cfg.Name,
		"JUDGE_MODEL": j.cfg.Model,
		"JUDGE_PASS":  strconv.Itoa(in.Pass),
	}
	mounts := []docker.Mount{
		{Source: in.Workspace, Target: containerWorkspace, ReadOnly: true},
		{Source: in.PromptPath, Target: containerPrompt, ReadOnly: true},
		{Source: in.DiffPath, Target: containerDiff, ReadOnly: true},
		{Source: outDir, Target: containerOutput},
	}
	if j.deps.PromptPath != "" {
		env["JUDGE_PROMPT"] = containerJudgePrompt
		mounts = append(mounts, docker.Mount{Source: j.deps.PromptPath, Target: containerJudgePrompt, ReadOnly: true})
	}
	if j.rubric != "" {
		env["JUDGE_RUBRIC"] = j.rubric
	}

	labels := unitLabels(j.deps.Labels, in.Key, "judge")
	labels[LabelJudge] = j.cfg.Name
	opts := &docker.RunOpts{
		Name:            containerName("judge"),
		Image:           j.cfg.Image,
		Env:             unitEnv(j.deps.Credentials, j.cfg.Env, runEnv(in.Key), env),
		Mounts:          mounts,
		WorkingDir:      containerWorkspace,
		Timeout:         j.deps.Timeout,
		Limits:          j.deps.Limits,
		UserID:          j.deps.UserID,
		Labels:          labels,
		NetworkDisabled: j.deps.NoNetwork,
	}
	j.launch.apply(opts)

	rr, err := j.deps.Runtime.Start(ctx, opts)
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, docker.ErrBackendUnavailable) || ctx.Err() != nil {
			res.Fatal = err
		}
		return res
	}
	if err := writeLogs(dir, rr); err != nil {
		res.Error = err.Error()
		res.Fatal = fmt.Errorf("%w: %w", ErrInfrastructure, err)
		return res
	}
	res.ExitCode = rr.ExitCode
	res.TimedOut = rr.TimedOut
	res.DurationS = rr.Duration.Seconds()

	switch {
	case rr.TimedOut:
		res.Error = fmt.Sprintf("judge timed out after %s", j.deps.Timeout)
		return res
	case rr.ExitCode != 0:
		res.Error = fmt.Sprintf("judge exited with code %d", rr.ExitCode)
		return res
	}

	parsed, err := validation.ParseJudgeOutput(filepath.Join(outDir, result.ResultFile))
	if err != nil {
		j.log.Warn("judge output rejected", "run", in.Key, "judge", j.cfg.Name, "err", err)
		res.OutputError = err.Error()
		return res
	}
	res.Score = validation.ResolveScore(parsed, j.deps.Rubric)
	res.Breakdown = parsed.Breakdown
	res.Rationale = parsed.Rationale
	if parsed.Passed != nil {
		res.Passed = *parsed.Passed
	} else {
		res.Passed = res.Score >= j.deps.PassThreshold
	}
	j.log.Debug("judge scored", "run", in.Key, "judge", j.cfg.Name, "pass", in.Pass, "score", res.Score)
	return res
}
