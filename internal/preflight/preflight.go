// Package preflight brings the target repository into the conflicted state the
// orchestrator works on: if a merge is already in progress it is left alone,
// otherwise the base branch is merged in through the wt ops layer.
package preflight

import (
	"context"
	"fmt"

	"github.com/joescharf/wt/pkg/ops"

	"github.com/joescharf/remerge/internal/output"
)

// Options controls the sync step.
type Options struct {
	BaseBranch string // branch merged into the working tree; default "main"
	Rebase     bool
	DryRun     bool
}

// Result describes the repo state after preflight.
type Result struct {
	Branch        string
	Ahead         int
	Behind        int
	AlreadyClean  bool     // up to date, nothing to merge
	HasConflicts  bool     // the merge stopped on conflicts; resolution can begin
	ConflictFiles []string // paths the sync reported as conflicted
}

// Syncer prepares one repository.
type Syncer struct {
	repoPath string
	ui       *output.UI
}

// New creates a preflight syncer for repoPath. ui may be nil.
func New(repoPath string, ui *output.UI) *Syncer {
	return &Syncer{repoPath: repoPath, ui: ui}
}

// MergeInProgress reports whether the repo already has an interrupted merge.
func (s *Syncer) MergeInProgress() bool {
	git := newRepoClient(s.repoPath)
	in, _ := git.IsMergeInProgress(s.repoPath)
	return in
}

// Sync merges (or rebases) the base branch into the working tree. A sync that
// stops on conflicts is the expected productive outcome here, not an error:
// the conflicted files are what the orchestrator resolves next.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}
	strategy := "merge"
	if opts.Rebase {
		strategy = "rebase"
	}

	git := newRepoClient(s.repoPath)
	branch, err := git.CurrentBranch(s.repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving current branch: %w", err)
	}

	syncResult, err := ops.Sync(ctx, git, nil, &uiLogger{ui: s.ui}, s.repoPath, ops.SyncOptions{
		BaseBranch: base,
		Strategy:   strategy,
		DryRun:     opts.DryRun,
	})

	result := &Result{Branch: branch}
	if syncResult != nil {
		result.Ahead = syncResult.Ahead
		result.Behind = syncResult.Behind
		result.AlreadyClean = syncResult.AlreadySynced
		if syncResult.HasConflicts {
			result.HasConflicts = true
			result.ConflictFiles = syncResult.ConflictFiles
		}
	}

	if err != nil && !result.HasConflicts {
		return result, fmt.Errorf("syncing %s with %s: %w", branch, base, err)
	}
	return result, nil
}

// uiLogger routes wt ops output through the run's UI, discarding it when no
// UI is attached.
type uiLogger struct {
	ui *output.UI
}

func (l *uiLogger) Info(format string, args ...interface{}) {
	if l.ui != nil {
		l.ui.Info(format, args...)
	}
}

func (l *uiLogger) Success(format string, args ...interface{}) {
	if l.ui != nil {
		l.ui.Success(format, args...)
	}
}

func (l *uiLogger) Warning(format string, args ...interface{}) {
	if l.ui != nil {
		l.ui.Warning(format, args...)
	}
}

func (l *uiLogger) Error(format string, args ...interface{}) {
	if l.ui != nil {
		l.ui.Error(format, args...)
	}
}

func (l *uiLogger) Verbose(format string, args ...interface{}) {
	if l.ui != nil {
		l.ui.VerboseLog(format, args...)
	}
}
