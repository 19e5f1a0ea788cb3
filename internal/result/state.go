package result

import "fmt"

type RunState string

const (
	StatePending        RunState = "pending"
	StateWorkspaceReady RunState = "workspace_ready"
	StateAgentRunning   RunState = "agent_running"
	StateAgentDone      RunState = "agent_done"
	StateJudging        RunState = "judging"
	StateJudged         RunState = "judged"
	StateAggregated     RunState = "aggregated"
	StateFailed         RunState = "failed"
	StateTimedOut       RunState = "timed_out"
)

var transitions = map[RunState][]RunState{
	StatePending:        {StateWorkspaceReady, StateFailed},
	StateWorkspaceReady: {StateAgentRunning, StateFailed, StateTimedOut},
	StateAgentRunning:   {StateAgentDone, StateFailed, StateTimedOut},
	StateAgentDone:      {StateJudging, StateFailed, StateTimedOut},
	StateJudging:        {StateJudged, StateFailed, StateTimedOut},
	StateJudged:         {StateAggregated},
}

// Terminal reports whether a run in this state is finished and may be checkpointed.
func (s RunState) Terminal() bool {
	switch s {
	case StateJudged, StateAggregated, StateFailed, StateTimedOut:
		return true
	}
	return false
}

func (s RunState) Valid() bool {
	switch s {
	case StatePending, StateWorkspaceReady, StateAgentRunning, StateAgentDone,
		StateJudging, StateJudged, StateAggregated, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Run tracks one run's progress through its lifecycle.
type Run struct {
	Key   RunKey
	State RunState
}

func NewRun(key RunKey) *Run {
	return &Run{Key: key, State: StatePending}
}

// Advance moves the run to next, rejecting transitions the lifecycle does not allow.
func (r *Run) Advance(next RunState) error {
	for _, s := range transitions[r.State] {
		if s == next {
			r.State = next
			return nil
		}
	}
	return fmt.Errorf("run %s: invalid transition %s -> %s", r.Key, r.State, next)
}
