package strategy

import (
	"context"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/sessions"
)

// resolveSingle is the simple-conflict protocol: one session, one resolution
// prompt, a verification round, and the common verify→stage tail.
func (r *Resolver) resolveSingle(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome {
	effort := classify.EffortFor(cc, attempt, r.cfg.PinEffort)
	key := sessions.Key{Name: cc.Path, Kind: sessions.KindWorker}

	session, err := r.sessions.Acquire(ctx, key, agentrt.SessionOptions{
		System:  workerSystemPrompt,
		Model:   r.modelFor(classify.TierFor(cc)),
		Tools:   true,
		WorkDir: r.cfg.WorkDir,
	})
	if err != nil {
		return failedOutcome(cc, key, err)
	}

	release := r.bindFocus(session, cc, feedback)
	defer release()

	result, err := session.RunTurn(ctx, resolutionPrompt(cc, feedback), r.turnOpts(effort))
	if err != nil {
		return failedOutcome(cc, key, err)
	}

	// Verification round: only worth a turn when the disk still disagrees.
	if status, _, _ := r.checkResolution(cc.Path); status != models.ResolutionResolvedStaged && status != models.ResolutionCleanUnstaged {
		if verified, err := session.RunTurn(ctx, verificationPrompt(cc), r.turnOpts(effort)); err == nil {
			result = verified
		}
	}

	r.verifyAndStage(ctx, session, cc, effort)

	return &models.WorkerOutcome{
		Path:       cc.Path,
		Success:    true, // provisional; Resolve downgrades from disk truth
		Summary:    result.FinalText,
		SessionKey: key.String(),
	}
}
