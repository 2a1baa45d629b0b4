package models

import "time"

// ResolutionStatus labels the post-condition of one resolution attempt. The
// two "persists" values are distinct on purpose: edits-applied-but-broken
// points at the strategy, no-edits-at-all means the worker never engaged.
type ResolutionStatus string

const (
	ResolutionResolvedStaged    ResolutionStatus = "resolved_staged"
	ResolutionCleanUnstaged     ResolutionStatus = "clean_unstaged"
	ResolutionPersistsEdited    ResolutionStatus = "persists_edited"
	ResolutionPersistsUntouched ResolutionStatus = "persists_untouched"
)

// WorkerOutcome records the result of one completed resolution attempt for
// one conflicted file. Outcomes are append-only within a run; the latest
// outcome per path is authoritative for aggregation and CI-failure matching.
type WorkerOutcome struct {
	Path       string
	Success    bool
	Changed    bool // file content differed from attempt start
	Summary    string
	SessionKey string // sessions.Key.String() of the worker session used
	Status     ResolutionStatus
	Error      string
	Attempt    int
	FinishedAt time.Time
}

// Aggregate holds the final tallies for a scheduling run.
type Aggregate struct {
	Resolved            int
	UnresolvedEdited    int
	UnresolvedUntouched int
	Halted              bool // batch stopped before all groups ran
}

// Unresolved reports the total number of conflicts that did not resolve.
func (a Aggregate) Unresolved() int {
	return a.UnresolvedEdited + a.UnresolvedUntouched
}
