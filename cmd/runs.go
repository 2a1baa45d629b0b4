package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/remerge/internal/output"
)

var (
	runsRepo  string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past resolution runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs from the ledger",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its per-file outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsListCmd.Flags().StringVar(&runsRepo, "repo", "", "Filter runs by repository path")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	repo := runsRepo
	if repo != "" {
		if repo, err = filepath.Abs(repo); err != nil {
			return fmt.Errorf("resolve repo path: %w", err)
		}
	}

	runs, err := s.ListRuns(cmd.Context(), repo, runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded")
		return nil
	}

	table := ui.Table([]string{"ID", "Repo", "Status", "Conflicts", "Resolved", "Started"})
	for _, r := range runs {
		table.Append([]string{
			r.ID,
			filepath.Base(r.RepoPath),
			output.StatusColor(string(r.Status)),
			fmt.Sprintf("%d", r.ConflictCount),
			fmt.Sprintf("%d", r.Resolved),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	run, err := s.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	ui.Info("Run %s", run.ID)
	ui.Info("  Repo:      %s", run.RepoPath)
	ui.Info("  Merge:     %s <- %s", run.OursRef, run.TheirsRef)
	ui.Info("  Status:    %s", output.StatusColor(string(run.Status)))
	ui.Info("  Conflicts: %d (%d resolved, %d edited, %d untouched)",
		run.ConflictCount, run.Resolved, run.UnresolvedEdited, run.UnresolvedUntouched)
	ui.Info("  Started:   %s", run.StartedAt.Local().Format(time.RFC1123))
	if run.EndedAt != nil {
		ui.Info("  Duration:  %s", run.EndedAt.Sub(run.StartedAt).Round(time.Second))
	}

	outcomes, err := s.ListOutcomes(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list outcomes: %w", err)
	}
	if len(outcomes) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"File", "Status", "Attempt", "Session"})
		for _, o := range outcomes {
			table.Append([]string{
				o.Path,
				output.StatusColor(string(o.Status)),
				fmt.Sprintf("%d", o.Attempt),
				o.SessionKey,
			})
		}
		table.Render()
	}

	dispatches, err := s.ListDispatches(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list dispatches: %w", err)
	}
	if len(dispatches) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Triage dispatches:")
		for _, d := range dispatches {
			routed := "new specialist"
			if d.Matched {
				routed = "matched worker"
			}
			ui.Info("  %s -> %s (%s)", d.Label, d.SessionKey, routed)
		}
	}
	return nil
}
