package result_test

import (
	"testing"

	"github.com/signalnine/tierbench/internal/result"
)

func TestRunAdvanceHappyPath(t *testing.T) {
	r := result.NewRun(result.RunKey{Tier: "T0", Subtest: "s", Run: 1})
	for _, s := range []result.RunState{
		result.StateWorkspaceReady,
		result.StateAgentRunning,
		result.StateAgentDone,
		result.StateJudging,
		result.StateJudged,
		result.StateAggregated,
	} {
		if err := r.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
}

func TestRunAdvanceRejects(t *testing.T) {
	tests := []struct {
		name string
		from result.RunState
		to   result.RunState
	}{
		{"skip workspace", result.StatePending, result.StateAgentRunning},
		{"leave failed", result.StateFailed, result.StateJudging},
		{"leave timed out", result.StateTimedOut, result.StateJudged},
		{"judged to failed", result.StateJudged, result.StateFailed},
		{"backwards", result.StateJudging, result.StateAgentRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &result.Run{State: tt.from}
			if err := r.Advance(tt.to); err == nil {
				t.Errorf("expected error for %s -> %s", tt.from, tt.to)
			}
			if r.State != tt.from {
				t.Errorf("state changed to %s", r.State)
			}
		})
	}
}

func TestTimeoutReachableWhileRunning(t *testing.T) {
	for _, from := range []result.RunState{
		result.StateWorkspaceReady, result.StateAgentRunning, result.StateAgentDone, result.StateJudging,
	} {
		r := &result.Run{State: from}
		if err := r.Advance(result.StateTimedOut); err != nil {
			t.Errorf("%s -> timed_out: %v", from, err)
		}
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[result.RunState]bool{
		result.StatePending:        false,
		result.StateWorkspaceReady: false,
		result.StateAgentRunning:   false,
		result.StateAgentDone:      false,
		result.StateJudging:        false,
		result.StateJudged:         true,
		result.StateAggregated:     true,
		result.StateFailed:         true,
		result.StateTimedOut:       true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestSummaryAggregated(t *testing.T) {
	score := 0.8
	judged := &result.RunSummary{Key: result.RunKey{Tier: "T0", Subtest: "s", Run: 1}, State: result.StateJudged, Score: &score}
	agg := judged.Aggregated()
	if agg.State != result.StateAggregated {
		t.Errorf("state: got %s, want aggregated", agg.State)
	}
	if judged.State != result.StateJudged {
		t.Error("Aggregated modified its receiver")
	}
	if agg.Score != judged.Score {
		t.Error("score not carried over")
	}

	failed := &result.RunSummary{State: result.StateFailed}
	if got := failed.Aggregated(); got != failed {
		t.Errorf("failed run changed to %s", got.State)
	}
}
