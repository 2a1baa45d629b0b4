package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/approval"
	"github.com/joescharf/remerge/internal/classify"
	"github.com/joescharf/remerge/internal/conflict"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/output"
	"github.com/joescharf/remerge/internal/preflight"
	"github.com/joescharf/remerge/internal/scheduler"
	"github.com/joescharf/remerge/internal/sessions"
	"github.com/joescharf/remerge/internal/store"
	"github.com/joescharf/remerge/internal/strategy"
	"github.com/joescharf/remerge/internal/triage"
)

const coordinatorSystemPrompt = `You are the coordinator of an unattended merge-conflict resolution run. You study the batch of conflicts, the divergence between the two sides, and produce a short shared plan: the apparent intent of each branch, conventions workers must preserve, and any ordering or cross-file concerns. Worker sessions are forked from this conversation, so write the plan as context they will carry.`

var (
	resolveOurs   string
	resolveTheirs string
	resolveBase   string
	resolveSync   bool
	resolveRebase bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [repo-path]",
	Short: "Resolve the repository's merge conflicts with agent workers",
	Long: `Resolve collects every conflicted file in the repository, classifies it,
and drives worker agents through concurrency-bounded groups until each
conflict is resolved or out of attempts. When all conflicts resolve, the
configured verification command runs and any failures are triaged back to
the sessions that made the relevant edits.

Exits non-zero when any conflict remains unresolved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveOurs, "ours", "HEAD", "Ref for our side of the merge")
	resolveCmd.Flags().StringVar(&resolveTheirs, "theirs", "MERGE_HEAD", "Ref for their side of the merge")
	resolveCmd.Flags().StringVar(&resolveBase, "base", "", "Base branch to sync from (default from config)")
	resolveCmd.Flags().BoolVar(&resolveSync, "sync", false, "Merge the base branch before resolving")
	resolveCmd.Flags().BoolVar(&resolveRebase, "rebase", false, "Rebase onto the base branch instead of merging")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	repoPath, err := resolveRepoPath(args)
	if err != nil {
		return err
	}

	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("no Anthropic API key: set anthropic.api_key in config or ANTHROPIC_API_KEY")
	}

	syncer := preflight.New(repoPath, ui)
	if resolveSync && !syncer.MergeInProgress() {
		base := resolveBase
		if base == "" {
			base = viper.GetString("sync.base_branch")
		}
		res, err := syncer.Sync(ctx, preflight.Options{
			BaseBranch: base,
			Rebase:     resolveRebase,
			DryRun:     dryRun,
		})
		if err != nil {
			return fmt.Errorf("sync %s: %w", base, err)
		}
		if dryRun {
			return nil
		}
		if !res.HasConflicts {
			ui.Success("Branch %s is in sync with %s, nothing to resolve", res.Branch, base)
			return nil
		}
		ui.Info("Merge from %s stopped on %d conflicted files", base, len(res.ConflictFiles))
	}

	collector := conflict.NewGitCollector(repoPath)
	snapshot, err := collector.CollectConflicts(resolveOurs, resolveTheirs)
	if err != nil {
		return fmt.Errorf("collect conflicts: %w", err)
	}
	if len(snapshot.Conflicts) == 0 {
		ui.Success("No conflicted files in %s", repoPath)
		return nil
	}

	ui.Info("Found %d conflicted files", len(snapshot.Conflicts))
	if dryRun {
		printPlan(snapshot)
		return nil
	}

	run := &models.Run{
		ID:            ulid.Make().String(),
		RepoPath:      repoPath,
		OursRef:       snapshot.OursRef,
		TheirsRef:     snapshot.TheirsRef,
		Status:        models.RunStatusRunning,
		ConflictCount: len(snapshot.Conflicts),
		StartedAt:     time.Now().UTC(),
	}
	ledger, err := getStore()
	if err != nil {
		ui.Warning("Ledger unavailable, continuing without it: %v", err)
		ledger = nil
	}
	if ledger != nil {
		if err := ledger.CreateRun(ctx, run); err != nil {
			ui.Warning("Record run: %v", err)
		}
	}

	// The gate does not exist yet when the runtime is built; the closure
	// denies until it does, so nothing sensitive slips through during setup.
	var gate *approval.Gate
	rt := agentrt.NewAnthropicRuntime(apiKey, func(ctx context.Context, req agentrt.ApprovalRequest) (models.ApprovalDecision, string) {
		if gate == nil {
			return models.ApprovalDeny, "approval gate not ready"
		}
		return gate.Handle(ctx, req)
	})

	policy, err := rt.StartSession(ctx, agentrt.SessionOptions{
		System: approval.PolicySystemPrompt,
		Model:  viper.GetString("models.cheap"),
	})
	if err != nil {
		return fmt.Errorf("start policy session: %w", err)
	}
	gate = approval.NewGate(policy, ui)

	sm := sessions.NewManager(rt, ui)

	coordinator, err := rt.StartSession(ctx, agentrt.SessionOptions{
		System: coordinatorSystemPrompt,
		Model:  viper.GetString("models.strong"),
	})
	if err != nil {
		return fmt.Errorf("start coordinator session: %w", err)
	}

	plan := ""
	planTurn, err := coordinator.RunTurn(ctx, coordinatorPrompt(snapshot), agentrt.TurnOptions{})
	if err != nil {
		ui.Warning("Coordinator planning failed, workers run without a shared plan: %v", err)
	} else {
		plan = planTurn.FinalText
		sm.SetCoordinator(coordinator)
		gate.SetCoordinator(coordinator)
	}

	resolver := strategy.NewResolver(strategy.Config{
		DualAgent:     viper.GetBool("strategy.dual_agent"),
		PinEffort:     classify.Effort(viper.GetString("strategy.effort")),
		WorkDir:       repoPath,
		Plan:          plan,
		StandardModel: viper.GetString("models.standard"),
		StrongModel:   viper.GetString("models.strong"),
		CheapModel:    viper.GetString("models.cheap"),
	}, sm, collector, gate, ui)

	sched := scheduler.New(scheduler.Config{
		Concurrency:   viper.GetInt("batch.concurrency"),
		MaxAttempts:   viper.GetInt("batch.max_attempts"),
		ReviewerModel: viper.GetString("models.standard"),
	}, resolver, sm, collector, ui)

	result := sched.Run(ctx, snapshot.Conflicts)

	if ledger != nil {
		for _, o := range result.History {
			if err := ledger.CreateOutcome(ctx, run.ID, o); err != nil {
				ui.Warning("Record outcome for %s: %v", o.Path, err)
			}
		}
	}

	printOutcomes(result)

	agg := result.Aggregate
	status := models.RunStatusResolved
	switch {
	case agg.Halted:
		status = models.RunStatusHalted
	case agg.Unresolved() > 0:
		status = models.RunStatusFailed
	}

	if agg.Unresolved() == 0 && !agg.Halted {
		report, err := runTriage(ctx, repoPath, sm, ledger, run.ID, result.Outcomes)
		if err != nil {
			ui.Warning("Triage: %v", err)
		} else if report != nil && !report.Passed {
			status = models.RunStatusTriageRan
		}
	}

	finalizeRun(ctx, ledger, run, status, agg)

	if agg.Unresolved() > 0 {
		return fmt.Errorf("%d of %d conflicts remain unresolved", agg.Unresolved(), len(snapshot.Conflicts))
	}
	ui.Success("All %d conflicts resolved", len(snapshot.Conflicts))
	return nil
}

func resolveRepoPath(args []string) (string, error) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve repo path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("repo path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("repo path %s is not a directory", abs)
	}
	return abs, nil
}

// coordinatorPrompt builds the planning turn: divergence summary plus one
// line per conflict so the plan covers cross-file concerns.
func coordinatorPrompt(snap *models.RepoSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merging %s into %s.\n", snap.TheirsRef, snap.OursRef)
	if snap.Divergence != "" {
		fmt.Fprintf(&b, "Divergence:\n%s\n", snap.Divergence)
	}
	fmt.Fprintf(&b, "\nConflicted files (%d):\n", len(snap.Conflicts))
	for _, cc := range snap.Conflicts {
		kind := "complex"
		if classify.IsSimple(cc) {
			kind = "simple"
		}
		fmt.Fprintf(&b, "- %s (%s, %d lines, %d conflict regions, %s)\n",
			cc.Path, cc.Language, cc.LineCount, cc.MarkerCount, kind)
		if cc.RecentHistory != "" {
			fmt.Fprintf(&b, "  recent commits: %s\n", firstLine(cc.RecentHistory))
		}
	}
	b.WriteString("\nWrite the shared resolution plan for this batch.")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printPlan(snap *models.RepoSnapshot) {
	table := ui.Table([]string{"File", "Language", "Lines", "Regions", "Class", "Severity"})
	for _, cc := range snap.Conflicts {
		kind := "complex"
		if classify.IsSimple(cc) {
			kind = "simple"
		}
		table.Append([]string{
			cc.Path,
			cc.Language,
			fmt.Sprintf("%d", cc.LineCount),
			fmt.Sprintf("%d", cc.MarkerCount),
			kind,
			fmt.Sprintf("%d", classify.Severity(cc)),
		})
	}
	table.Render()
	ui.DryRunMsg("Would resolve %d conflicts", len(snap.Conflicts))
}

func printOutcomes(result *scheduler.Result) {
	table := ui.Table([]string{"File", "Status", "Attempt", "Summary"})
	for _, o := range result.History {
		if result.Outcomes[o.Path] != o {
			continue
		}
		summary := o.Summary
		if summary == "" {
			summary = o.Error
		}
		table.Append([]string{
			o.Path,
			output.StatusColor(string(o.Status)),
			fmt.Sprintf("%d", o.Attempt),
			truncateCell(summary, 60),
		})
	}
	table.Render()
}

func truncateCell(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func runTriage(ctx context.Context, repoPath string, sm *sessions.Manager, ledger store.Store, runID string, outcomes map[string]*models.WorkerOutcome) (*triage.Report, error) {
	command := viper.GetString("triage.command")
	if command == "" {
		return nil, nil
	}

	pipeline := triage.New(triage.Config{
		Command:    command,
		WorkDir:    repoPath,
		LogCeiling: viper.GetInt("triage.log_ceiling"),
		Model:      viper.GetString("models.standard"),
		CheapModel: viper.GetString("models.cheap"),
	}, sm, ui)

	report, err := pipeline.Run(ctx, outcomes)
	if err != nil {
		return nil, err
	}
	if report.Passed {
		ui.Success("Verification passed: %s", command)
		return report, nil
	}

	ui.Warning("Verification failed, dispatched %d failures", len(report.Dispatches))
	if ledger != nil {
		for _, d := range report.Dispatches {
			d.RunID = runID
			if err := ledger.CreateDispatch(ctx, d); err != nil {
				ui.Warning("Record dispatch %s: %v", d.Label, err)
			}
		}
	}
	return report, nil
}

func finalizeRun(ctx context.Context, ledger store.Store, run *models.Run, status models.RunStatus, agg models.Aggregate) {
	if ledger == nil {
		return
	}
	now := time.Now().UTC()
	run.Status = status
	run.Resolved = agg.Resolved
	run.UnresolvedEdited = agg.UnresolvedEdited
	run.UnresolvedUntouched = agg.UnresolvedUntouched
	run.EndedAt = &now
	if err := ledger.UpdateRun(ctx, run); err != nil {
		ui.Warning("Record run result: %v", err)
	}
}
