package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/tierbench/internal/result"
)

type SubtestReport struct {
	Tier        string               `json:"tier"`
	Subtest     string               `json:"subtest"`
	Summary     Summary              `json:"summary"`
	Runs        []*result.RunSummary `json:"runs"`
	GeneratedAt time.Time            `json:"generated_at"`
}

type SubtestEntry struct {
	Name    string  `json:"name"`
	Summary Summary `json:"summary"`
}

type TierReport struct {
	Tier        string         `json:"tier"`
	Summary     Summary        `json:"summary"`
	Subtests    []SubtestEntry `json:"subtests"`
	GeneratedAt time.Time      `json:"generated_at"`

	runs []*result.RunSummary
}

type TierEntry struct {
	Name     string         `json:"name"`
	Summary  Summary        `json:"summary"`
	Subtests []SubtestEntry `json:"subtests"`
}

// Failure annotates a run that ended without a usable score.
type Failure struct {
	Run    string `json:"run"`
	State  string `json:"state"`
	Reason string `json:"reason"`
}

type ExperimentReport struct {
	Experiment  string      `json:"experiment"`
	TaskID      string      `json:"task_id"`
	Repo        string      `json:"repo"`
	Revision    string      `json:"revision"`
	Commit      string      `json:"commit,omitempty"`
	Summary     Summary     `json:"summary"`
	Tiers       []TierEntry `json:"tiers"`
	Failures    []Failure   `json:"failures,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// ExperimentMeta identifies the experiment in its report.
type ExperimentMeta struct {
	Experiment string
	TaskID     string
	Repo       string
	Revision   string
	Commit     string
}

func BuildSubtest(tier, subtest string, runs []*result.RunSummary) *SubtestReport {
	sorted := append([]*result.RunSummary(nil), runs...)
	sortRuns(sorted)
	return &SubtestReport{
		Tier:        tier,
		Subtest:     subtest,
		Summary:     Summarize(sorted),
		Runs:        sorted,
		GeneratedAt: time.Now().UTC(),
	}
}

// BuildTier summarizes every run beneath the tier, not the subtest summaries.
func BuildTier(tier string, subtests []*SubtestReport) *TierReport {
	tr := &TierReport{Tier: tier, GeneratedAt: time.Now().UTC()}
	for _, st := range subtests {
		tr.Subtests = append(tr.Subtests, SubtestEntry{Name: st.Subtest, Summary: st.Summary})
		tr.runs = append(tr.runs, st.Runs...)
	}
	tr.Summary = Summarize(tr.runs)
	return tr
}

// Runs returns the run summaries the tier report was built from.
func (t *TierReport) Runs() []*result.RunSummary {
	return t.runs
}

func BuildExperiment(meta ExperimentMeta, tiers []*TierReport) *ExperimentReport {
	er := &ExperimentReport{
		Experiment:  meta.Experiment,
		TaskID:      meta.TaskID,
		Repo:        meta.Repo,
		Revision:    meta.Revision,
		Commit:      meta.Commit,
		GeneratedAt: time.Now().UTC(),
	}
	var all []*result.RunSummary
	for _, t := range tiers {
		er.Tiers = append(er.Tiers, TierEntry{Name: t.Tier, Summary: t.Summary, Subtests: t.Subtests})
		all = append(all, t.runs...)
	}
	sortRuns(all)
	for _, r := range all {
		if r.Score != nil {
			continue
		}
		reason := r.Error
		if reason == "" {
			reason = r.ExitReason
		}
		if reason == "" && r.Consensus != nil && r.Consensus.Inconclusive {
			reason = fmt.Sprintf("inconclusive: %d of %d judges succeeded", r.Consensus.Succeeded, r.Consensus.Attempted)
		}
		er.Failures = append(er.Failures, Failure{Run: r.Key.String(), State: string(r.State), Reason: reason})
	}
	er.Summary = Summarize(all)
	return er
}

func WriteSubtest(root string, r *SubtestReport) error {
	return result.WriteJSON(filepath.Join(result.SubtestDir(root, r.Tier, r.Subtest), result.ReportFile), r)
}

func WriteTier(root string, r *TierReport) error {
	return result.WriteJSON(filepath.Join(result.TierDir(root, r.Tier), result.ReportFile), r)
}

func WriteExperiment(root string, r *ExperimentReport) error {
	return result.WriteJSON(filepath.Join(root, result.ReportFile), r)
}

func ReadExperiment(root string) (*ExperimentReport, error) {
	var r ExperimentReport
	if err := result.ReadJSON(filepath.Join(root, result.ReportFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func ReadSubtest(root, tier, subtest string) (*SubtestReport, error) {
	var r SubtestReport
	if err := result.ReadJSON(filepath.Join(result.SubtestDir(root, tier, subtest), result.ReportFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Generate renders an experiment's report.json.
func Generate(root, format string, w io.Writer) error {
	r, err := ReadExperiment(root)
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return writeMarkdown(r, w)
	case "json":
		return writeJSON(r, w)
	default:
		return writeTable(r, w)
	}
}

type row struct {
	tier, subtest string
	s             Summary
}

func rows(r *ExperimentReport) []row {
	var out []row
	for _, t := range r.Tiers {
		out = append(out, row{tier: t.Name, subtest: "*", s: t.Summary})
		for _, st := range t.Subtests {
			out = append(out, row{tier: t.Name, subtest: st.Name, s: st.Summary})
		}
	}
	out = append(out, row{tier: "ALL", subtest: "*", s: r.Summary})
	return out
}

func writeTable(r *ExperimentReport, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSUBTEST\tRUNS\tPASS RATE\tMEAN SCORE\tMEDIAN\tCONSISTENCY\tMEAN COST")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, x := range rows(r) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\t%.3f\t%.3f\t%.3f\t$%.2f\n",
			x.tier, x.subtest, x.s.Runs, x.s.PassRate*100, x.s.MeanScore, x.s.MedianScore, x.s.Consistency, x.s.MeanCostUSD)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "\n%d run(s) without a score:\n", len(r.Failures))
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s [%s] %s\n", f.Run, f.State, f.Reason)
		}
	}
	return nil
}

func writeMarkdown(r *ExperimentReport, w io.Writer) error {
	fmt.Fprintf(w, "## %s (%s @ %s)\n\n", r.Experiment, r.TaskID, r.Revision)
	fmt.Fprintln(w, "| Tier | Subtest | Runs | Pass Rate | Mean Score | Median | Consistency | Mean Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, x := range rows(r) {
		fmt.Fprintf(w, "| %s | %s | %d | %.1f%% | %.3f | %.3f | %.3f | $%.2f |\n",
			x.tier, x.subtest, x.s.Runs, x.s.PassRate*100, x.s.MeanScore, x.s.MedianScore, x.s.Consistency, x.s.MeanCostUSD)
	}
	return nil
}

func writeJSON(r *ExperimentReport, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func sortRuns(runs []*result.RunSummary) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].Key.Less(runs[j].Key) })
}
