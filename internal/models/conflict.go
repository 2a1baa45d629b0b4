package models

// DiffExcerpts holds the pairwise diff views collected for one conflicted file.
// Empty strings mean the view could not be produced (e.g. the file is new on
// one side); consumers must treat missing excerpts as worst-case, not as clean.
type DiffExcerpts struct {
	BaseOurs   string // base ↔ our side
	BaseTheirs string // base ↔ their side
	OursTheirs string // our side ↔ their side
	Working    string // working tree content including conflict markers
}

// ConflictContext is the immutable snapshot of one conflicted file, collected
// once per run and consumed read-only by classification, strategy selection,
// and prompt construction.
type ConflictContext struct {
	Path          string
	Language      string // language tag inferred from the file extension
	LineCount     int    // -1 when the working file could not be read
	MarkerCount   int    // -1 when the working file could not be read
	Diffs         DiffExcerpts
	RecentHistory string // recent commit subjects touching this path, may be empty
}

// RepoSnapshot describes the whole batch: where the two sides diverged and
// every conflicted file found in the index.
type RepoSnapshot struct {
	OursRef    string
	TheirsRef  string
	Divergence string // human-readable ahead/behind summary, may be empty
	Conflicts  []*ConflictContext
}
