package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/tierbench/internal/checkpoint"
	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/consensus"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/logger"
	"github.com/signalnine/tierbench/internal/pricing"
	"github.com/signalnine/tierbench/internal/report"
	"github.com/signalnine/tierbench/internal/result"
	"github.com/signalnine/tierbench/internal/workspace"
)

// SnapshotFile holds the resolved configuration an experiment last ran with.
const SnapshotFile = "experiment.yaml"

type Options struct {
	// Root is the experiment directory; see ExperimentRoot.
	Root        string
	Runtime     docker.Runtime
	Store       checkpoint.Store
	Pricing     *pricing.Table
	Credentials map[string]string
	Listener    Listener
	Log         *log.Logger
	// UserID overrides the uid:gid containers run as.
	UserID string
}

// Orchestrator drives a whole experiment: tiers in declaration order, each
// fully aggregated before the next starts, then the experiment report.
type Orchestrator struct {
	cfg        *config.Config
	opts       Options
	workspaces *workspace.Manager
	exec       *RunExecutor
	subtests   *SubtestScheduler
	tiers      *TierScheduler
	log        *log.Logger
}

// ExperimentRoot is where an experiment keeps its results.
func ExperimentRoot(cfg *config.Config) string {
	return absPath(filepath.Join(cfg.Resolve(cfg.Results.Dir), cfg.Name))
}

// Fingerprint identifies the experiment a checkpoint store belongs to.
func Fingerprint(cfg *config.Config) checkpoint.Fingerprint {
	return checkpoint.Fingerprint{
		Experiment: cfg.Name,
		TaskID:     cfg.Task.ID,
		Repo:       cfg.Task.Repo,
		Revision:   cfg.Task.Revision,
	}
}

// OpenStore opens the experiment's checkpoint store, creating the root if needed.
func OpenStore(cfg *config.Config, root string) (checkpoint.Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating experiment dir: %w", err)
	}
	path := cfg.Resolve(cfg.Checkpoint.Path)
	if path == "" {
		path = checkpoint.DefaultPath(root, cfg.Checkpoint.Backend)
	}
	return checkpoint.Open(cfg.Checkpoint.Backend, path, Fingerprint(cfg))
}

func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("experiment root is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	l := logger.OrDiscard(opts.Log)

	var rt docker.Runtime
	if opts.Runtime != nil {
		rt = limitRuntime(opts.Runtime, cfg.Parallel.Containers)
	}
	ws := workspace.NewManager(workspace.Options{
		Repo:     cfg.Task.Repo,
		Revision: cfg.Task.Revision,
		Root:     opts.Root,
		Cleanup:  cfg.Workspace.Cleanup,
		Log:      l,
	})
	labels := map[string]string{
		LabelExperiment: cfg.Name,
		LabelInvocation: uuid.NewString(),
	}
	limits := docker.Limits{
		CPUs:        cfg.Limits.CPUs,
		MemoryBytes: cfg.Limits.MemoryMB << 20,
		PidsLimit:   cfg.Limits.PidsLimit,
		DiskBytes:   cfg.Limits.DiskMB << 20,
	}

	agent, err := NewAgent(cfg.Agent, cfg.Resolve, AgentDeps{
		Runtime:     rt,
		Workspaces:  ws,
		Pricing:     opts.Pricing,
		Credentials: opts.Credentials,
		Limits:      limits,
		NoNetwork:   cfg.Limits.NoNetwork,
		UserID:      opts.UserID,
		Labels:      labels,
		Log:         l,
	})
	if err != nil {
		return nil, err
	}

	judgePrompt := ""
	if cfg.Judges.Prompt != "" {
		judgePrompt = absPath(cfg.Resolve(cfg.Judges.Prompt))
	}
	judges := make([]consensus.Judge, 0, len(cfg.Judges.Panel))
	for _, jc := range cfg.Judges.Panel {
		j, err := NewJudge(jc, cfg.Resolve, JudgeDeps{
			Runtime:       rt,
			Credentials:   opts.Credentials,
			Limits:        limits,
			NoNetwork:     cfg.Limits.NoNetwork,
			UserID:        opts.UserID,
			Labels:        labels,
			Timeout:       cfg.Judges.Timeout(),
			PromptPath:    judgePrompt,
			Rubric:        cfg.Judges.Rubric,
			PassThreshold: cfg.Judges.PassThreshold,
			Log:           l,
		})
		if err != nil {
			return nil, err
		}
		judges = append(judges, j)
	}
	engine, err := consensus.New(judges, consensus.Params{
		Count:         cfg.Judges.Count,
		Quorum:        cfg.Judges.Quorum,
		Threshold:     cfg.Judges.DisagreementThreshold,
		MaxRetries:    cfg.Judges.Retries(),
		PassThreshold: cfg.Judges.PassThreshold,
	}, l)
	if err != nil {
		return nil, err
	}

	exec := &RunExecutor{
		cfg:        cfg,
		root:       opts.Root,
		agent:      agent,
		engine:     engine,
		store:      opts.Store,
		workspaces: ws,
		events:     opts.Listener,
		log:        l,
	}
	subtests := &SubtestScheduler{
		runs:     cfg.Runs,
		parallel: cfg.Parallel.Runs,
		root:     opts.Root,
		exec:     exec,
		store:    opts.Store,
		events:   opts.Listener,
		log:      l,
	}
	return &Orchestrator{
		cfg:        cfg,
		opts:       opts,
		workspaces: ws,
		exec:       exec,
		subtests:   subtests,
		tiers: &TierScheduler{
			parallel: cfg.Parallel.Subtests,
			root:     opts.Root,
			subtests: subtests,
			events:   opts.Listener,
		},
		log: l,
	}, nil
}

// Run executes every pending run and writes all reports. Runs already in the
// checkpoint, and still backed by their result files, are not executed again.
func (o *Orchestrator) Run(ctx context.Context) (*report.ExperimentReport, error) {
	if o.opts.Runtime == nil {
		return nil, fmt.Errorf("container runtime is required")
	}
	if err := o.preflight(); err != nil {
		return nil, err
	}
	if err := o.opts.Runtime.Ping(ctx); err != nil {
		if !errors.Is(err, docker.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %w", docker.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	if err := o.workspaces.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("%w: preparing task repository: %w", ErrInfrastructure, err)
	}
	if err := o.warnUnknownKeys(ctx); err != nil {
		return nil, err
	}
	if err := o.writeSnapshot(); err != nil {
		return nil, err
	}

	o.log.Info("starting experiment", "name", o.cfg.Name, "tiers", len(o.cfg.Tiers),
		"runs", len(o.cfg.RunKeys()), "commit", o.workspaces.Commit())
	var tiers []*report.TierReport
	for _, t := range o.cfg.Tiers {
		tr, err := o.tiers.Run(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}
		o.log.Info("tier finished", "tier", t.Name, "pass_rate", fmt.Sprintf("%.3f", tr.Summary.PassRate),
			"mean_score", fmt.Sprintf("%.3f", tr.Summary.MeanScore))
		tiers = append(tiers, tr)
	}
	return o.finish(tiers)
}

// VerifyResult is what a verification pass found.
type VerifyResult struct {
	Valid    []result.RunKey
	Invalid  []result.RunKey
	Missing  []result.RunKey
	// Rescored runs are valid runs whose verdict changed with the consensus settings.
	Rescored []result.RunKey
	Report   *report.ExperimentReport
}

// Verify re-checks every checkpointed run against the result files without
// starting any container. Runs that no longer hold up are dropped from the
// checkpoint so the next Run repeats them. Reports are rebuilt from the runs
// that remain.
func (o *Orchestrator) Verify(ctx context.Context) (*VerifyResult, error) {
	done, err := o.opts.Store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	vr := &VerifyResult{}
	var tiers []*report.TierReport
	for _, t := range o.cfg.Tiers {
		var subs []*report.SubtestReport
		for _, s := range t.Subtests {
			var present []*result.RunSummary
			for _, key := range config.SubtestKeys(t.Name, s.Name, o.cfg.Runs) {
				sum, ok := done[key]
				if !ok {
					vr.Missing = append(vr.Missing, key)
					continue
				}
				checked, rescored, err := o.exec.Verify(key, sum)
				if err != nil {
					o.log.Warn("invalid checkpoint entry", "run", key, "err", err)
					if err := o.opts.Store.Invalidate(ctx, key); err != nil {
						return nil, fmt.Errorf("invalidating %s: %w", key, err)
					}
					vr.Invalid = append(vr.Invalid, key)
					continue
				}
				if rescored {
					if err := o.exec.Rescore(ctx, checked); err != nil {
						return nil, err
					}
					vr.Rescored = append(vr.Rescored, key)
				}
				vr.Valid = append(vr.Valid, key)
				present = append(present, checked)
			}
			rep, err := o.subtests.finish(t.Name, s.Name, present)
			if err != nil {
				return nil, err
			}
			subs = append(subs, rep)
		}
		tr, err := o.tiers.finish(t.Name, subs)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tr)
	}
	rep, err := o.finish(tiers)
	if err != nil {
		return nil, err
	}
	vr.Report = rep
	return vr, nil
}

func (o *Orchestrator) finish(tiers []*report.TierReport) (*report.ExperimentReport, error) {
	commit := o.workspaces.Commit()
	if commit == "" {
		// Verify never mirrors the repository; keep the commit a run pinned.
		if prev, err := report.ReadExperiment(o.opts.Root); err == nil {
			commit = prev.Commit
		}
	}
	rep := report.BuildExperiment(report.ExperimentMeta{
		Experiment: o.cfg.Name,
		TaskID:     o.cfg.Task.ID,
		Repo:       o.cfg.Task.Repo,
		Revision:   o.cfg.Task.Revision,
		Commit:     commit,
	}, tiers)
	if err := report.WriteExperiment(o.opts.Root, rep); err != nil {
		return nil, fmt.Errorf("%w: writing experiment report: %w", ErrInfrastructure, err)
	}
	return rep, nil
}

// preflight checks every host path the experiment will mount.
func (o *Orchestrator) preflight() error {
	var missing []string
	check := func(what, p string) {
		if p != "" && !fileExists(o.cfg.Resolve(p)) {
			missing = append(missing, fmt.Sprintf("%s %s", what, p))
		}
	}
	check("task prompt", o.cfg.Task.Prompt)
	check("judge prompt", o.cfg.Judges.Prompt)
	for _, t := range o.cfg.Tiers {
		for _, m := range t.Mounts {
			check("tier "+t.Name+" mount", m.Source)
		}
		for _, s := range t.Subtests {
			check("subtest "+t.Name+"/"+s.Name+" prompt", s.Prompt)
			for _, m := range s.Mounts {
				check("subtest "+t.Name+"/"+s.Name+" mount", m.Source)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing files: %v", missing)
	}
	return nil
}

// warnUnknownKeys logs checkpointed runs outside the declared run space.
// They are left in the store and ignored.
func (o *Orchestrator) warnUnknownKeys(ctx context.Context) error {
	done, err := o.opts.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading checkpoint: %w", ErrInfrastructure, err)
	}
	declared := map[result.RunKey]bool{}
	for _, k := range o.cfg.RunKeys() {
		declared[k] = true
	}
	var unknown []result.RunKey
	for k := range done {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i].Less(unknown[j]) })
	for _, k := range unknown {
		o.log.Warn("checkpoint has a run outside the experiment, ignoring", "run", k)
	}
	return nil
}

func (o *Orchestrator) writeSnapshot() error {
	data, err := yaml.Marshal(o.cfg)
	if err != nil {
		return fmt.Errorf("encoding config snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(o.opts.Root, SnapshotFile), data, 0o644); err != nil {
		return fmt.Errorf("%w: writing config snapshot: %w", ErrInfrastructure, err)
	}
	return nil
}
