package strategy

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/sessions"
)

// resolveParallel is the multi-angle protocol for complex conflicts when
// dual-agent mode is off: three independent low-effort analysts examine each
// side's intent concurrently, and one integration session performs the edit.
func (r *Resolver) resolveParallel(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome {
	effort := classify.EffortFor(cc, attempt, r.cfg.PinEffort)
	workerKey := sessions.Key{Name: cc.Path, Kind: sessions.KindWorker}

	angles := []struct {
		label string
		angle string
	}{
		{"ours", "our side's intent"},
		{"theirs", "their side's intent"},
		{"overall", "the overall intent of both changes together"},
	}

	analyses := make([]string, len(angles))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range angles {
		key := sessions.Key{Name: fmt.Sprintf("%s#%s", cc.Path, a.label), Kind: sessions.KindAnalyst}
		g.Go(func() error {
			session, err := r.sessions.Acquire(gctx, key, agentrt.SessionOptions{
				System: analystSystemPrompt,
				Model:  r.cfg.CheapModel,
			})
			if err != nil {
				return err
			}
			result, err := session.RunTurn(gctx, analysisPrompt(cc, a.angle), r.turnOpts(classify.EffortMedium))
			if err != nil {
				return err
			}
			analyses[i] = result.FinalText
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failedOutcome(cc, workerKey, err)
	}

	integrator, err := r.sessions.Acquire(ctx, workerKey, agentrt.SessionOptions{
		System:  workerSystemPrompt,
		Model:   r.modelFor(classify.TierFor(cc)),
		Tools:   true,
		WorkDir: r.cfg.WorkDir,
	})
	if err != nil {
		return failedOutcome(cc, workerKey, err)
	}

	release := r.bindFocus(integrator, cc, feedback)
	defer release()

	result, err := integrator.RunTurn(ctx, integrationPrompt(cc, analyses[0], analyses[1], analyses[2], feedback), r.turnOpts(effort))
	if err != nil {
		return failedOutcome(cc, workerKey, err)
	}

	r.verifyAndStage(ctx, integrator, cc, effort)

	return &models.WorkerOutcome{
		Path:       cc.Path,
		Success:    true,
		Summary:    result.FinalText,
		SessionKey: workerKey.String(),
	}
}
