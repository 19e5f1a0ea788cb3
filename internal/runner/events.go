package runner

import (
	"github.com/signalnine/tierbench/internal/report"
	"github.com/signalnine/tierbench/internal/result"
)

type EventKind string

const (
	EventRunStarted      EventKind = "run_started"
	EventRunSkipped      EventKind = "run_skipped"
	EventRunFinished     EventKind = "run_finished"
	EventSubtestFinished EventKind = "subtest_finished"
	EventTierFinished    EventKind = "tier_finished"
)

// Event reports progress. Run events carry Key and, once finished, Run;
// subtest and tier events carry their Summary.
type Event struct {
	Kind    EventKind
	Tier    string
	Subtest string
	Key     result.RunKey
	Run     *result.RunSummary
	Summary *report.Summary
}

// Listener receives events from concurrent workers and must be safe for
// concurrent use.
type Listener func(Event)

func (l Listener) emit(e Event) {
	if l != nil {
		l(e)
	}
}
