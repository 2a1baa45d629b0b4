// Package scheduler is the batch engine: it partitions conflicts into
// concurrency-bounded groups, drives each item through attempt/retry cycles,
// re-verifies every group from disk, and aggregates outcomes.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/conflict"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/output"
	"github.com/joescharf/remerge/internal/sessions"
	"github.com/joescharf/remerge/internal/strategy"
)

// Resolver is the per-attempt entry point the scheduler drives. Implemented
// by strategy.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome
	Kind(cc *models.ConflictContext) strategy.Kind
}

// Config holds batch scheduling settings.
type Config struct {
	Concurrency   int // group size; default 4
	MaxAttempts   int // resolution rounds per conflict; default 2
	ReviewerModel string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	return c
}

// Result collects everything a run produced: the append-only outcome history,
// the authoritative latest outcome per path, and the final tallies.
type Result struct {
	History   []*models.WorkerOutcome
	Outcomes  map[string]*models.WorkerOutcome
	Aggregate models.Aggregate
}

// Scheduler runs the batch.
type Scheduler struct {
	cfg       Config
	resolver  Resolver
	sessions  *sessions.Manager
	collector conflict.Collector
	ui        *output.UI

	mu      sync.Mutex
	history []*models.WorkerOutcome
	latest  map[string]*models.WorkerOutcome
}

// New creates a scheduler. ui may be nil.
func New(cfg Config, resolver Resolver, sm *sessions.Manager, col conflict.Collector, ui *output.UI) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		resolver:  resolver,
		sessions:  sm,
		collector: col,
		ui:        ui,
		latest:    make(map[string]*models.WorkerOutcome),
	}
}

// Run processes the whole batch: simple conflicts first, fixed-size groups,
// a strict barrier between groups, and a fail-fast halt when a finished group
// still shows conflict markers on disk.
func (s *Scheduler) Run(ctx context.Context, conflicts []*models.ConflictContext) *Result {
	ordered := orderSimpleFirst(conflicts)

	halted := false
	for start := 0; start < len(ordered); start += s.cfg.Concurrency {
		end := start + s.cfg.Concurrency
		if end > len(ordered) {
			end = len(ordered)
		}
		group := ordered[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, cc := range group {
			g.Go(func() error {
				s.processItem(gctx, cc)
				return nil
			})
		}
		_ = g.Wait()

		// Trust-but-verify: re-read every group member from disk. Later
		// groups may have been planned assuming earlier ones succeeded, so
		// one lingering conflict stops the whole batch.
		if bad := s.reverifyGroup(group); len(bad) > 0 {
			if s.ui != nil {
				s.ui.Error("halting batch: %s still shows conflict markers after its group finished", bad[0])
			}
			halted = true
			break
		}
	}

	return s.buildResult(ordered, halted)
}

// processItem drives one conflict through its attempt cycle.
func (s *Scheduler) processItem(ctx context.Context, cc *models.ConflictContext) {
	feedback := ""
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		outcome := s.resolver.Resolve(ctx, cc, attempt, feedback)
		s.record(outcome)
		if outcome.Success {
			return
		}
		if attempt == s.cfg.MaxAttempts {
			return
		}

		feedback = s.reviewerFeedback(ctx, cc, outcome)
		// Strategies other than single-agent restart from a clean session so
		// the retry re-grounds instead of compounding a confused context.
		if s.resolver.Kind(cc) != strategy.KindSingle {
			s.resetItemSessions(cc.Path)
		}
	}
}

// reviewerFeedback runs the per-file reviewer over a failed outcome and
// returns free-text guidance for the next attempt. Best effort: a reviewer
// error just means no feedback.
func (s *Scheduler) reviewerFeedback(ctx context.Context, cc *models.ConflictContext, outcome *models.WorkerOutcome) string {
	key := sessions.Key{Name: cc.Path, Kind: sessions.KindReviewer}
	session, err := s.sessions.Acquire(ctx, key, agentrt.SessionOptions{
		System: "You review failed merge-conflict resolution attempts and produce short, concrete guidance for the next attempt.",
		Model:  s.cfg.ReviewerModel,
	})
	if err != nil {
		return ""
	}

	prompt := fmt.Sprintf(
		"The attempt to resolve %s failed.\nStatus: %s\nWorker summary: %s\nError: %s\n\nIn a few sentences, tell the next attempt what went wrong and what to do differently.",
		cc.Path, outcome.Status, outcome.Summary, outcome.Error)
	result, err := session.RunTurn(ctx, prompt, agentrt.TurnOptions{MaxTokens: 1024})
	if err != nil {
		if s.ui != nil {
			s.ui.VerboseLog("reviewer feedback for %s failed: %v", cc.Path, err)
		}
		return ""
	}
	return result.FinalText
}

// resetItemSessions discards the item's working sessions before a retry.
func (s *Scheduler) resetItemSessions(path string) {
	s.sessions.Release(sessions.Key{Name: path, Kind: sessions.KindWorker})
	s.sessions.Release(sessions.Key{Name: path, Kind: sessions.KindPlanner})
	for _, label := range []string{"ours", "theirs", "overall"} {
		s.sessions.Release(sessions.Key{Name: path + "#" + label, Kind: sessions.KindAnalyst})
	}
}

// reverifyGroup re-reads each group member from disk and returns the paths
// still showing markers. Any claimed success among them is demoted first:
// disk truth wins over the worker's self-report.
func (s *Scheduler) reverifyGroup(group []*models.ConflictContext) []string {
	var bad []string
	for _, cc := range group {
		content, ok := s.collector.ReadWorkingFile(cc.Path)
		if !ok {
			continue // deleted as part of the resolution
		}
		if conflict.CountMarkers(content) > 0 {
			bad = append(bad, cc.Path)
			s.demoteFromDisk(cc.Path)
		}
	}
	return bad
}

// demoteFromDisk rewrites an item's latest outcome when the post-group disk
// re-read contradicts a claimed success, so aggregation and the exit code
// reflect the markers actually left on disk.
func (s *Scheduler) demoteFromDisk(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.latest[path]
	if !ok || !prev.Success {
		return
	}
	demoted := *prev
	demoted.Success = false
	demoted.Status = models.ResolutionPersistsUntouched
	if prev.Changed {
		demoted.Status = models.ResolutionPersistsEdited
	}
	demoted.Error = "conflict markers remain on disk after the group finished"
	s.history = append(s.history, &demoted)
	s.latest[path] = &demoted
}

func (s *Scheduler) record(outcome *models.WorkerOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, outcome)
	s.latest[outcome.Path] = outcome
}

func (s *Scheduler) buildResult(ordered []*models.ConflictContext, halted bool) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := models.Aggregate{Halted: halted}
	for _, cc := range ordered {
		outcome, ok := s.latest[cc.Path]
		switch {
		case !ok:
			// Never attempted: the batch halted before this item's group.
			agg.UnresolvedUntouched++
		case outcome.Success:
			agg.Resolved++
		case outcome.Changed:
			agg.UnresolvedEdited++
		default:
			agg.UnresolvedUntouched++
		}
	}

	return &Result{
		History:   append([]*models.WorkerOutcome(nil), s.history...),
		Outcomes:  copyOutcomes(s.latest),
		Aggregate: agg,
	}
}

func copyOutcomes(m map[string]*models.WorkerOutcome) map[string]*models.WorkerOutcome {
	out := make(map[string]*models.WorkerOutcome, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// orderSimpleFirst sorts the batch so simple conflicts run before complex
// ones. The sort is stable: collection order is preserved within each class.
func orderSimpleFirst(conflicts []*models.ConflictContext) []*models.ConflictContext {
	ordered := append([]*models.ConflictContext(nil), conflicts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return classify.IsSimple(ordered[i]) && !classify.IsSimple(ordered[j])
	})
	return ordered
}
