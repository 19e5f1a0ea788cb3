package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	ReportFile     = "report.json"
	ResultFile     = "result.json"
	PromptFile     = "task_prompt.md"
	DiffFile       = "diff.patch"
	StdoutFile     = "stdout.log"
	StderrFile     = "stderr.log"
	WorkspaceDir   = "workspace"
	AgentDir       = "agent"
	JudgeDir       = "judge"
	ContainerOut   = "out"
	runDirPrefix   = "run_"
	judgeDirPrefix = "judge_"
)

func RunDirName(n int) string {
	return fmt.Sprintf("%s%02d", runDirPrefix, n)
}

func TierDir(root, tier string) string {
	return filepath.Join(root, tier)
}

func SubtestDir(root, tier, subtest string) string {
	return filepath.Join(root, tier, subtest)
}

func RunDir(root string, key RunKey) string {
	return filepath.Join(root, key.Tier, key.Subtest, RunDirName(key.Run))
}

func AgentResultPath(runDir string) string {
	return filepath.Join(runDir, AgentDir, ResultFile)
}

func JudgeDirPath(runDir string, n int) string {
	return filepath.Join(runDir, JudgeDir, fmt.Sprintf("%s%02d", judgeDirPrefix, n))
}

// WriteJSON writes v as indented JSON via a temp file and rename, so readers
// never observe a partially written file.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func WriteAgentResult(runDir string, r *AgentResult) error {
	return WriteJSON(AgentResultPath(runDir), r)
}

func ReadAgentResult(runDir string) (*AgentResult, error) {
	var r AgentResult
	if err := ReadJSON(AgentResultPath(runDir), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func WriteJudgeResult(runDir string, n int, r *JudgeResult) error {
	return WriteJSON(filepath.Join(JudgeDirPath(runDir, n), ResultFile), r)
}

// ReadJudgeResults loads every judge_NN/result.json under runDir in pass order.
// A missing judge directory yields no results and no error.
func ReadJudgeResults(runDir string) ([]*JudgeResult, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, JudgeDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading judge dir: %w", err)
	}
	type judgeDir struct {
		name string
		pass int
	}
	var dirs []judgeDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), judgeDirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), judgeDirPrefix))
		if err != nil || n < 0 {
			continue
		}
		dirs = append(dirs, judgeDir{name: e.Name(), pass: n})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].pass < dirs[j].pass })

	var out []*JudgeResult
	for _, d := range dirs {
		var r JudgeResult
		if err := ReadJSON(filepath.Join(runDir, JudgeDir, d.name, ResultFile), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}
