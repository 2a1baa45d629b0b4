package strategy

import (
	"context"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/sessions"
)

// resolveDual is the planner+executor protocol for complex conflicts: a
// supervisory session produces a plan, a separate execution session applies
// it, and the supervisor reviews the result. An independent disk check
// short-circuits the review when the result is already obviously clean.
func (r *Resolver) resolveDual(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome {
	effort := classify.EffortFor(cc, attempt, r.cfg.PinEffort)
	workerKey := sessions.Key{Name: cc.Path, Kind: sessions.KindWorker}
	plannerKey := sessions.Key{Name: cc.Path, Kind: sessions.KindPlanner}

	planner, err := r.sessions.Acquire(ctx, plannerKey, agentrt.SessionOptions{
		System: plannerSystemPrompt,
		Model:  r.cfg.StrongModel,
	})
	if err != nil {
		return failedOutcome(cc, plannerKey, err)
	}

	planResult, err := planner.RunTurn(ctx, planPrompt(cc), r.turnOpts(effort))
	if err != nil {
		return failedOutcome(cc, plannerKey, err)
	}

	executor, err := r.sessions.Acquire(ctx, workerKey, agentrt.SessionOptions{
		System:  workerSystemPrompt,
		Model:   r.modelFor(classify.TierFor(cc)),
		Tools:   true,
		WorkDir: r.cfg.WorkDir,
	})
	if err != nil {
		return failedOutcome(cc, workerKey, err)
	}

	release := r.bindFocus(executor, cc, "plan:\n"+planResult.FinalText)
	defer release()

	if _, err := executor.RunTurn(ctx, executePrompt(cc, planResult.FinalText, feedback), r.turnOpts(effort)); err != nil {
		return failedOutcome(cc, workerKey, err)
	}

	// Skip-review short-circuit: one consolidated disk check. An obviously
	// clean result does not burn a review round.
	if status, _, _ := r.checkResolution(cc.Path); status == models.ResolutionResolvedStaged {
		return &models.WorkerOutcome{
			Path:       cc.Path,
			Success:    true,
			Summary:    "resolved per plan; review skipped, disk already clean",
			SessionKey: workerKey.String(),
		}
	}

	resolved, _ := r.collector.ReadWorkingFile(cc.Path)
	decision := r.runReview(ctx, planner, cc, resolved, effort)

	switch decision.Verdict {
	case models.ReviewApproved:
		r.verifyAndStage(ctx, executor, cc, effort)
		return &models.WorkerOutcome{
			Path:       cc.Path,
			Success:    true,
			Summary:    "approved by supervisor: " + decision.Reason,
			SessionKey: workerKey.String(),
		}

	case models.ReviewNeedsFixes:
		// Itemized fixes are granted once; the second review is final.
		if _, err := executor.RunTurn(ctx, fixPrompt(cc, decision.Issues), r.turnOpts(classify.EffortHigh)); err != nil {
			return failedOutcome(cc, workerKey, err)
		}
		resolved, _ = r.collector.ReadWorkingFile(cc.Path)
		final := r.runReview(ctx, planner, cc, resolved, effort)
		if final.Verdict == models.ReviewApproved {
			r.verifyAndStage(ctx, executor, cc, effort)
			return &models.WorkerOutcome{
				Path:       cc.Path,
				Success:    true,
				Summary:    "approved after fixes: " + final.Reason,
				SessionKey: workerKey.String(),
			}
		}
		return &models.WorkerOutcome{
			Path:       cc.Path,
			Success:    false,
			Summary:    "second review did not approve: " + reviewFailureReason(final),
			SessionKey: workerKey.String(),
		}

	default:
		// Rejected and Malformed both stop here; an unparsable review is
		// never promoted to success.
		return &models.WorkerOutcome{
			Path:       cc.Path,
			Success:    false,
			Summary:    "supervisor rejected resolution: " + reviewFailureReason(decision),
			SessionKey: workerKey.String(),
		}
	}
}

// runReview asks the planner for a structured review decision. Turn errors
// and unparsable payloads come back as Malformed, which callers treat as
// rejection.
func (r *Resolver) runReview(ctx context.Context, planner agentrt.Session, cc *models.ConflictContext, resolved string, effort classify.Effort) models.ReviewDecision {
	opts := r.turnOpts(effort)
	opts.OutputSchema = reviewSchema
	result, err := planner.RunTurn(ctx, reviewPrompt(cc, resolved), opts)
	if err != nil {
		return models.ReviewDecision{Verdict: models.ReviewMalformed, Reason: err.Error()}
	}
	if result.Structured == nil {
		return models.ReviewDecision{Verdict: models.ReviewMalformed, Raw: result.FinalText}
	}
	return models.DecodeReviewDecision(result.Structured)
}

func reviewFailureReason(d models.ReviewDecision) string {
	if d.Verdict == models.ReviewMalformed {
		return "malformed review response"
	}
	if d.Reason != "" {
		return d.Reason
	}
	return string(d.Verdict)
}
