package models

import "time"

// RunStatus represents the state of a resolution run in the ledger.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusResolved  RunStatus = "resolved"
	RunStatusFailed    RunStatus = "failed"
	RunStatusHalted    RunStatus = "halted"
	RunStatusTriageRan RunStatus = "triage_ran"
)

// Run records one invocation of the orchestrator against a repo.
type Run struct {
	ID                  string
	RepoPath            string
	OursRef             string
	TheirsRef           string
	Status              RunStatus
	ConflictCount       int
	Resolved            int
	UnresolvedEdited    int
	UnresolvedUntouched int
	StartedAt           time.Time
	EndedAt             *time.Time
}

// TriageDispatch records one CI failure routed to a session during triage.
type TriageDispatch struct {
	ID         string
	RunID      string
	Label      string
	SessionKey string
	Matched    bool // true when routed to an existing worker session
	CreatedAt  time.Time
}
