// Package triage runs the post-resolution verification command and, when it
// fails, mines the log for actionable failures and routes each one to the
// session best placed to fix it.
package triage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/output"
	"github.com/joescharf/remerge/internal/sessions"
)

const defaultLogCeiling = 40000

const summarizerSystemPrompt = `You summarize noisy CI and build logs. Keep every concrete failure: test names, file paths, error messages. Drop progress output, download noise, and repeated lines. Respond with the summary only.`

const specialistSystemPrompt = `You are a CI failure specialist working in a git repository that just had merge conflicts resolved. You investigate one verification failure, find the cause, and fix it with the available tools. Prefer minimal changes consistent with both sides of the merge.`

// Config holds triage settings.
type Config struct {
	Command    string // verification command, run through the shell; empty disables triage
	WorkDir    string
	LogCeiling int // char ceiling before overflow preparation kicks in
	Model      string
	CheapModel string // summarizer sessions
}

func (c Config) ceiling() int {
	if c.LogCeiling <= 0 {
		return defaultLogCeiling
	}
	return c.LogCeiling
}

// Report is what one triage pass produced.
type Report struct {
	Passed     bool
	Log        string // prepared log; empty when the command passed
	Failures   []models.CIFailure
	Dispatches []*models.TriageDispatch
}

// Pipeline drives verification and failure dispatch. It reuses the run's
// session manager so matched failures land in the conversation that just
// edited the relevant file.
type Pipeline struct {
	cfg      Config
	sessions *sessions.Manager
	ui       *output.UI
}

// New creates a triage pipeline. ui may be nil.
func New(cfg Config, sm *sessions.Manager, ui *output.UI) *Pipeline {
	return &Pipeline{cfg: cfg, sessions: sm, ui: ui}
}

// Run executes the verification command and triages its log on failure.
// outcomes is the latest outcome per path from scheduling.
func (p *Pipeline) Run(ctx context.Context, outcomes map[string]*models.WorkerOutcome) (*Report, error) {
	if p.cfg.Command == "" {
		return &Report{Passed: true}, nil
	}

	log, passed, err := p.runCommand(ctx)
	if err != nil {
		return nil, fmt.Errorf("running verification command: %w", err)
	}
	if passed {
		return &Report{Passed: true}, nil
	}
	return p.Triage(ctx, log, outcomes)
}

// runCommand runs the configured command and returns its combined output. A
// non-zero exit is a failed verification, not an error; only failing to launch
// the process at all surfaces as an error.
func (p *Pipeline) runCommand(ctx context.Context) (string, bool, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.cfg.Command)
	cmd.Dir = p.cfg.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), false, nil
		}
		return "", false, err
	}
	return string(out), true, nil
}

// Triage mines a failed verification log and dispatches remediation prompts.
// Dispatch turn errors are logged and skipped; a log the pipeline cannot
// structurally decompose falls back to broadcasting to every successful
// outcome's session.
func (p *Pipeline) Triage(ctx context.Context, log string, outcomes map[string]*models.WorkerOutcome) (*Report, error) {
	failures := ExtractFailures(log)
	prepared := p.prepareLog(ctx, log)

	report := &Report{Log: prepared, Failures: failures}
	if len(failures) == 0 {
		report.Dispatches = p.broadcast(ctx, prepared, outcomes)
		return report, nil
	}

	for _, f := range failures {
		report.Dispatches = append(report.Dispatches, p.dispatch(ctx, f, prepared, outcomes))
	}
	return report, nil
}

// prepareLog bounds an oversized log. The tail stays verbatim because the most
// recent output carries the strongest signal; everything before it goes
// through a cheap summarizer with an explicit character budget. The result is
// always at most the ceiling.
func (p *Pipeline) prepareLog(ctx context.Context, log string) string {
	ceiling := p.cfg.ceiling()
	if len(log) <= ceiling {
		return log
	}

	tailStart := len(log) - ceiling/2
	tail := log[tailStart:]
	prefix := log[:tailStart]
	budget := ceiling / 4

	summary := p.summarize(ctx, prefix, budget)
	if len(summary) > budget {
		summary = summary[:budget]
	}
	return fmt.Sprintf("[summary of earlier log output]\n%s\n\n[verbatim log tail]\n%s", summary, tail)
}

// summarize condenses a log prefix. On any summarizer problem it falls back to
// the end of the prefix verbatim so the prepared log never loses the summary
// slot entirely.
func (p *Pipeline) summarize(ctx context.Context, prefix string, budget int) string {
	fallback := prefix
	if len(fallback) > budget {
		fallback = fallback[len(fallback)-budget:]
	}

	session, err := p.sessions.Acquire(ctx, sessions.Key{Name: "verification-log", Kind: sessions.KindSummarizer}, agentrt.SessionOptions{
		System: summarizerSystemPrompt,
		Model:  p.cfg.CheapModel,
	})
	if err != nil {
		return fallback
	}

	prompt := fmt.Sprintf("Summarize this log excerpt in at most %d characters, keeping every failure detail:\n\n%s", budget, prefix)
	result, err := session.RunTurn(ctx, prompt, agentrt.TurnOptions{MaxTokens: 2048})
	if err != nil || strings.TrimSpace(result.FinalText) == "" {
		if p.ui != nil {
			p.ui.VerboseLog("log summarizer failed, using verbatim prefix tail: %v", err)
		}
		return fallback
	}
	return result.FinalText
}

// dispatch routes one failure: an existing worker session when a hint matches
// a resolved path, otherwise a CI specialist session keyed by the failure's
// label.
func (p *Pipeline) dispatch(ctx context.Context, f models.CIFailure, prepared string, outcomes map[string]*models.WorkerOutcome) *models.TriageDispatch {
	d := &models.TriageDispatch{Label: f.Label, CreatedAt: time.Now()}

	if outcome := matchOutcome(f, outcomes); outcome != nil {
		key := sessions.Key{Name: outcome.Path, Kind: sessions.KindWorker}
		if session, ok := p.sessions.Lookup(key); ok {
			d.SessionKey = key.String()
			d.Matched = true
			p.push(ctx, session, matchedPrompt(f, outcome.Path, prepared), f.Label)
			return d
		}
	}

	key := sessions.Key{Name: f.Label, Kind: sessions.KindCISpecialist}
	session, err := p.sessions.Acquire(ctx, key, agentrt.SessionOptions{
		System:  specialistSystemPrompt,
		Model:   p.cfg.Model,
		Tools:   true,
		WorkDir: p.cfg.WorkDir,
	})
	if err != nil {
		if p.ui != nil {
			p.ui.Warning("starting CI specialist for %q failed: %v", f.Label, err)
		}
		return d
	}
	d.SessionKey = key.String()
	p.push(ctx, session, specialistPrompt(f, prepared), f.Label)
	return d
}

// broadcast pushes the prepared log to every successful outcome's session.
// Used when extraction found nothing structured to decompose.
func (p *Pipeline) broadcast(ctx context.Context, prepared string, outcomes map[string]*models.WorkerOutcome) []*models.TriageDispatch {
	var dispatches []*models.TriageDispatch
	for _, path := range sortedSuccessfulPaths(outcomes) {
		key := sessions.Key{Name: path, Kind: sessions.KindWorker}
		session, ok := p.sessions.Lookup(key)
		if !ok {
			continue
		}
		dispatches = append(dispatches, &models.TriageDispatch{
			Label:      "verification-log",
			SessionKey: key.String(),
			Matched:    true,
			CreatedAt:  time.Now(),
		})
		p.push(ctx, session, broadcastPrompt(path, prepared), path)
	}
	return dispatches
}

func (p *Pipeline) push(ctx context.Context, session agentrt.Session, prompt, label string) {
	if _, err := session.RunTurn(ctx, prompt, agentrt.TurnOptions{MaxTokens: 4096}); err != nil && p.ui != nil {
		p.ui.Warning("triage dispatch for %q failed: %v", label, err)
	}
}

// matchOutcome pairs a failure with a successful outcome by hint containment
// in either direction: a hint naming the resolved path, or a resolved path
// that contains the hint.
func matchOutcome(f models.CIFailure, outcomes map[string]*models.WorkerOutcome) *models.WorkerOutcome {
	for _, path := range sortedSuccessfulPaths(outcomes) {
		for _, hint := range f.Hints {
			if strings.Contains(hint, path) || strings.Contains(path, hint) {
				return outcomes[path]
			}
		}
	}
	return nil
}

func sortedSuccessfulPaths(outcomes map[string]*models.WorkerOutcome) []string {
	var paths []string
	for path, o := range outcomes {
		if o.Success {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func matchedPrompt(f models.CIFailure, path, prepared string) string {
	return fmt.Sprintf(`Verification failed after your resolution of %s. This failure looks related to that file.

Failure section:
%s

Full prepared log:
%s

Review your resolution of %s in light of this failure, fix the file if your merge introduced the problem, and stage it again.`, path, f.Snippet, prepared, path)
}

func specialistPrompt(f models.CIFailure, prepared string) string {
	return fmt.Sprintf(`Verification failed after a batch of merge-conflict resolutions. Investigate this failure:

%s

Full prepared log:
%s

Find the cause, fix it, and stage any files you change.`, f.Snippet, prepared)
}

func broadcastPrompt(path, prepared string) string {
	return fmt.Sprintf(`Verification failed after the batch of resolutions, but the log could not be decomposed into individual failures.

%s

If anything in this log points at your resolution of %s, fix the file and stage it again. If nothing relates to your file, reply with "not related".`, prepared, path)
}
