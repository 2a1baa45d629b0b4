package strategy

import (
	"fmt"
	"strings"

	"github.com/joescharf/remerge/internal/models"
)

const workerSystemPrompt = `You resolve git merge conflicts in a repository checkout.
You have tools to read files, write files, run shell commands, and stage files.

Rules:
- Remove every conflict marker (<<<<<<<, =======, >>>>>>>, |||||||) from the file
- Preserve the intent of BOTH sides; never blindly pick one side when both made meaningful changes
- Keep the file syntactically valid for its language
- After editing, re-read the file to confirm no markers remain, then stage it with stage_file
- Do not touch files other than the one you were asked to resolve`

const plannerSystemPrompt = `You are the supervising planner for a merge-conflict resolution.
You read conflict context and produce short, concrete strategies for an execution agent,
then review the executed result. You never edit files yourself.`

const analystSystemPrompt = `You analyze one side of a git merge conflict and explain its intent.
Be concise and concrete: what the change is trying to accomplish, which lines matter, and what must survive a merge.`

const reviewSchema = `{"decision": "approved" | "needs_fixes" | "rejected", "issues": ["specific problem", ...], "reason": "short explanation"}`

// conflictBrief renders the collected context for one conflict into prompt
// form.
func conflictBrief(cc *models.ConflictContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (language: %s, %d lines, %d conflict markers)\n", cc.Path, cc.Language, cc.LineCount, cc.MarkerCount)
	if cc.RecentHistory != "" {
		sb.WriteString("\nRecent commits touching this file:\n")
		sb.WriteString(cc.RecentHistory)
		sb.WriteString("\n")
	}
	if cc.Diffs.BaseOurs != "" {
		sb.WriteString("\nDiff base -> ours:\n")
		sb.WriteString(cc.Diffs.BaseOurs)
		sb.WriteString("\n")
	}
	if cc.Diffs.BaseTheirs != "" {
		sb.WriteString("\nDiff base -> theirs:\n")
		sb.WriteString(cc.Diffs.BaseTheirs)
		sb.WriteString("\n")
	}
	if cc.Diffs.Working != "" {
		sb.WriteString("\nWorking tree content with markers:\n")
		sb.WriteString(cc.Diffs.Working)
		sb.WriteString("\n")
	}
	return sb.String()
}

func resolutionPrompt(cc *models.ConflictContext, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Resolve the merge conflict in this file.\n\n")
	sb.WriteString(conflictBrief(cc))
	if feedback != "" {
		sb.WriteString("\nSupervisor guidance from the previous failed attempt:\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}
	sb.WriteString("\nEdit the file to remove all conflict markers, verify your result by re-reading it, then stage it.")
	return sb.String()
}

func verificationPrompt(cc *models.ConflictContext) string {
	return fmt.Sprintf("Re-read %s and confirm the resolution: no conflict markers remain and the file is syntactically valid. Fix anything that is still wrong, then stage the file.", cc.Path)
}

func planPrompt(cc *models.ConflictContext) string {
	var sb strings.Builder
	sb.WriteString("Produce a short strategic plan for resolving this merge conflict. State: the intent of each side, what to keep from each, and the ordered edit steps.\n\n")
	sb.WriteString(conflictBrief(cc))
	return sb.String()
}

func executePrompt(cc *models.ConflictContext, plan, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Apply this resolution plan to the conflicted file. Remove all conflict markers and stage the file when done.\n\n")
	sb.WriteString("Plan:\n")
	sb.WriteString(plan)
	sb.WriteString("\n\n")
	sb.WriteString(conflictBrief(cc))
	if feedback != "" {
		sb.WriteString("\nSupervisor guidance from the previous failed attempt:\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}
	return sb.String()
}

func reviewPrompt(cc *models.ConflictContext, resolved string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the executed resolution of %s against your plan.\n\nResolved content:\n%s\n", cc.Path, resolved)
	sb.WriteString("\nDecide: approved (resolution is correct), needs_fixes (list each specific issue), or rejected (resolution is unsalvageable).")
	return sb.String()
}

func fixPrompt(cc *models.ConflictContext, issues []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The supervisor reviewed your resolution of %s and requires fixes:\n", cc.Path)
	for i, issue := range issues {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, issue)
	}
	sb.WriteString("\nApply exactly these fixes, re-read the file to verify, then stage it.")
	return sb.String()
}

func analysisPrompt(cc *models.ConflictContext, angle string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze %s of this merge conflict.\n\n", angle)
	sb.WriteString(conflictBrief(cc))
	return sb.String()
}

func integrationPrompt(cc *models.ConflictContext, ours, theirs, overall, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Three analysts examined this merge conflict. Integrate their findings and resolve the file.\n\n")
	sb.WriteString("Our side's intent:\n" + ours + "\n\n")
	sb.WriteString("Their side's intent:\n" + theirs + "\n\n")
	sb.WriteString("Overall intent:\n" + overall + "\n\n")
	sb.WriteString(conflictBrief(cc))
	if feedback != "" {
		sb.WriteString("\nSupervisor guidance from the previous failed attempt:\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}
	sb.WriteString("\nEdit the file to remove all conflict markers, verify by re-reading it, then stage it.")
	return sb.String()
}
