// Package strategy drives one conflict through one resolution attempt. The
// selector picks a protocol from the conflict's classification; all three
// protocols converge on the same disk-truth post-condition check.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/approval"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/conflict"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/output"
	"github.com/joescharf/remerge/internal/sessions"
)

// Kind names a resolution protocol.
type Kind string

const (
	KindSingle   Kind = "single"
	KindDual     Kind = "dual"
	KindParallel Kind = "parallel"
)

// Select picks the protocol for a conflict: simple conflicts get one agent;
// complex conflicts get planner+executor when dual-agent mode is enabled,
// otherwise the parallel-analysis protocol.
func Select(cc *models.ConflictContext, dualEnabled bool) Kind {
	if classify.IsSimple(cc) {
		return KindSingle
	}
	if dualEnabled {
		return KindDual
	}
	return KindParallel
}

// Config holds per-run strategy settings.
type Config struct {
	DualAgent bool
	PinEffort classify.Effort // when set, overrides the computed effort tier
	WorkDir   string
	Plan      string // shared plan text from the coordinator

	StandardModel string
	StrongModel   string
	CheapModel    string
}

// Resolver executes resolution attempts against the session manager, the
// snapshot collector, and the approval gate.
type Resolver struct {
	cfg       Config
	sessions  *sessions.Manager
	collector conflict.Collector
	gate      *approval.Gate
	ui        *output.UI
}

// NewResolver wires a resolver. gate and ui may be nil (tests).
func NewResolver(cfg Config, sm *sessions.Manager, col conflict.Collector, gate *approval.Gate, ui *output.UI) *Resolver {
	return &Resolver{cfg: cfg, sessions: sm, collector: col, gate: gate, ui: ui}
}

// Kind reports which protocol Resolve will use for a conflict.
func (r *Resolver) Kind(cc *models.ConflictContext) Kind {
	return Select(cc, r.cfg.DualAgent)
}

// Resolve runs one attempt for one conflict. Transient runtime errors are
// converted into a failed outcome, never propagated: the batch must survive
// any single worker.
func (r *Resolver) Resolve(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome {
	before, _ := r.collector.ReadWorkingFile(cc.Path)

	var outcome *models.WorkerOutcome
	switch Select(cc, r.cfg.DualAgent) {
	case KindSingle:
		outcome = r.resolveSingle(ctx, cc, attempt, feedback)
	case KindDual:
		outcome = r.resolveDual(ctx, cc, attempt, feedback)
	default:
		outcome = r.resolveParallel(ctx, cc, attempt, feedback)
	}

	after, _ := r.collector.ReadWorkingFile(cc.Path)
	outcome.Changed = after != before
	outcome.Attempt = attempt
	outcome.FinishedAt = time.Now().UTC()

	// Disk truth wins over the worker's self-report: downgrade claimed
	// success when the post-condition says otherwise, and refine failures
	// by whether the worker edited anything at all.
	status, _, _ := r.checkResolution(cc.Path)
	switch status {
	case models.ResolutionResolvedStaged:
		outcome.Status = status
	case models.ResolutionCleanUnstaged:
		outcome.Status = status
		outcome.Success = false
	default:
		if outcome.Changed {
			outcome.Status = models.ResolutionPersistsEdited
		} else {
			outcome.Status = models.ResolutionPersistsUntouched
		}
		outcome.Success = false
	}
	return outcome
}

// checkResolution is the one idempotent post-condition check every protocol
// converges on: re-read the file, re-list conflicted paths, and label the
// result. Disk state only; the in-memory outcome is never consulted.
func (r *Resolver) checkResolution(path string) (models.ResolutionStatus, int, bool) {
	markers := -1
	if content, ok := r.collector.ReadWorkingFile(path); ok {
		markers = conflict.CountMarkers(content)
	}

	gitConflicted := false
	if paths, err := r.collector.ListConflictedPaths(); err == nil {
		for _, p := range paths {
			if p == path {
				gitConflicted = true
				break
			}
		}
	} else {
		// Cannot trust the index listing; treat as still conflicted.
		gitConflicted = true
	}

	switch {
	case markers == 0 && !gitConflicted:
		return models.ResolutionResolvedStaged, markers, gitConflicted
	case markers == 0 && gitConflicted:
		return models.ResolutionCleanUnstaged, markers, gitConflicted
	default:
		return models.ResolutionPersistsEdited, markers, gitConflicted
	}
}

// verifyAndStage runs the common verify→stage tail: if the content is clean
// but the index still flags the path, spend one staging round on the session,
// then stage directly as a fallback.
func (r *Resolver) verifyAndStage(ctx context.Context, session agentrt.Session, cc *models.ConflictContext, effort classify.Effort) {
	status, _, _ := r.checkResolution(cc.Path)
	if status != models.ResolutionCleanUnstaged {
		return
	}

	prompt := fmt.Sprintf("The content of %s now shows no conflict markers, but the index still reports it as conflicted. Stage it with the stage_file tool.", cc.Path)
	if _, err := session.RunTurn(ctx, prompt, r.turnOpts(effort)); err != nil && r.ui != nil {
		r.ui.VerboseLog("staging round for %s failed: %v", cc.Path, err)
	}

	if status, _, _ := r.checkResolution(cc.Path); status == models.ResolutionCleanUnstaged {
		if err := r.collector.StageFile(cc.Path); err != nil && r.ui != nil {
			r.ui.VerboseLog("direct stage of %s failed: %v", cc.Path, err)
		}
	}
}

// bindFocus attaches the approval focus for a session round. Nil-gate safe.
func (r *Resolver) bindFocus(session agentrt.Session, cc *models.ConflictContext, notes string) func() {
	if r.gate == nil {
		return func() {}
	}
	return r.gate.BindFocus(session.ID(), approval.Focus{Path: cc.Path, Plan: r.cfg.Plan, Notes: notes})
}

// modelFor maps a severity tier to a configured model.
func (r *Resolver) modelFor(tier classify.Tier) string {
	if tier == classify.TierStrong && r.cfg.StrongModel != "" {
		return r.cfg.StrongModel
	}
	return r.cfg.StandardModel
}

// turnOpts maps an effort tier onto per-turn limits.
func (r *Resolver) turnOpts(effort classify.Effort) agentrt.TurnOptions {
	if effort == classify.EffortHigh {
		return agentrt.TurnOptions{MaxTokens: 8192}
	}
	return agentrt.TurnOptions{MaxTokens: 4096}
}

// failedOutcome builds the outcome for an attempt that died on a runtime
// error.
func failedOutcome(cc *models.ConflictContext, key sessions.Key, err error) *models.WorkerOutcome {
	return &models.WorkerOutcome{
		Path:       cc.Path,
		Success:    false,
		Summary:    "attempt failed: " + err.Error(),
		SessionKey: key.String(),
		Error:      err.Error(),
	}
}
