package models

// CIFailure is one candidate failure mined from a verification log. Ephemeral:
// recomputed on every triage pass, never persisted as-is.
type CIFailure struct {
	Label   string   // short identifier, e.g. a failing test or section heading
	Snippet string   // focused log window around the failure
	Hints   []string // path and test-name hints extracted from the snippet
}
