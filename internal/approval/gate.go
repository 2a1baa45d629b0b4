// Package approval gates every sensitive operation raised by any worker
// session through a single policy session. The policy session is not designed
// for parallel turns, so the gate is a critical section shared by all
// concurrent workers.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/output"
)

const decisionSchema = `{"decision": "allow_once" | "allow_always" | "deny", "reason": "short explanation"}`

// Focus is the work context a sensitivity request is judged against: which
// conflict the requesting session is on, the shared plan, and any notes from
// earlier rounds. It is bound per session, never held in a process-wide slot,
// so concurrent workers cannot bleed into each other's decisions.
type Focus struct {
	Path  string
	Plan  string
	Notes string
}

// Gate is the approval policy. Handle is registered as the runtime's single
// approval callback and invoked for sensitive tool calls across all sessions.
type Gate struct {
	ui *output.UI

	mu     sync.Mutex // serializes turns on the policy session
	policy agentrt.Session

	coordMu     sync.Mutex
	coordinator agentrt.Session

	focusMu sync.Mutex
	focus   map[string]Focus // keyed by requesting session ID
}

// NewGate creates a gate around the given policy session. ui may be nil.
func NewGate(policy agentrt.Session, ui *output.UI) *Gate {
	return &Gate{
		ui:     ui,
		policy: policy,
		focus:  make(map[string]Focus),
	}
}

// SetCoordinator registers the coordinator session to notify on denials.
func (g *Gate) SetCoordinator(s agentrt.Session) {
	g.coordMu.Lock()
	defer g.coordMu.Unlock()
	g.coordinator = s
}

// BindFocus associates a focus with a worker session for the duration of a
// round. The returned release func must run on every exit path; callers defer
// it immediately.
func (g *Gate) BindFocus(sessionID string, f Focus) func() {
	g.focusMu.Lock()
	g.focus[sessionID] = f
	g.focusMu.Unlock()
	return func() {
		g.focusMu.Lock()
		delete(g.focus, sessionID)
		g.focusMu.Unlock()
	}
}

func (g *Gate) focusFor(sessionID string) Focus {
	g.focusMu.Lock()
	defer g.focusMu.Unlock()
	return g.focus[sessionID]
}

// Handle decides one sensitive operation. Errored turns and unparsable
// responses deny: the gate fails closed.
func (g *Gate) Handle(ctx context.Context, req agentrt.ApprovalRequest) (models.ApprovalDecision, string) {
	focus := g.focusFor(req.SessionID)
	prompt := buildPrompt(req, focus)

	g.mu.Lock()
	result, err := g.policy.RunTurn(ctx, prompt, agentrt.TurnOptions{OutputSchema: decisionSchema})
	g.mu.Unlock()

	if err != nil {
		if g.ui != nil {
			g.ui.Warning("approval policy turn failed, denying %s: %v", req.Kind, err)
		}
		return g.deny(ctx, req, "policy session error")
	}
	if result.Structured == nil {
		return g.deny(ctx, req, "unparsable policy response")
	}

	decision, reason := models.DecodeApprovalDecision(result.Structured)
	if decision == models.ApprovalDeny {
		return g.deny(ctx, req, reason)
	}
	return decision, reason
}

// deny reports the denial to the coordinator, when one exists, so the global
// plan can adapt.
func (g *Gate) deny(ctx context.Context, req agentrt.ApprovalRequest, reason string) (models.ApprovalDecision, string) {
	g.coordMu.Lock()
	coord := g.coordinator
	g.coordMu.Unlock()

	if coord != nil {
		note := fmt.Sprintf(
			"Note: the approval policy denied %q (%s) for session %s: %s. Adjust the plan or suggest a safer way to accomplish the same step.",
			req.Kind, req.Title, req.SessionID, reason)
		g.coordMu.Lock()
		_, err := coord.RunTurn(ctx, note, agentrt.TurnOptions{})
		g.coordMu.Unlock()
		if err != nil && g.ui != nil {
			g.ui.VerboseLog("coordinator denial note failed: %v", err)
		}
	}
	return models.ApprovalDeny, reason
}

func buildPrompt(req agentrt.ApprovalRequest, focus Focus) string {
	var sb strings.Builder
	sb.WriteString("A worker session requests a sensitive operation.\n\n")
	fmt.Fprintf(&sb, "Operation: %s\nTitle: %s\n", req.Kind, req.Title)
	if req.Path != "" {
		fmt.Fprintf(&sb, "Path: %s\n", req.Path)
	}
	if req.Command != "" {
		fmt.Fprintf(&sb, "Command: %s\n", req.Command)
	}
	if focus.Path != "" {
		fmt.Fprintf(&sb, "\nThe session is resolving the merge conflict in: %s\n", focus.Path)
	}
	if focus.Plan != "" {
		fmt.Fprintf(&sb, "\nShared plan:\n%s\n", focus.Plan)
	}
	if focus.Notes != "" {
		fmt.Fprintf(&sb, "\nNotes:\n%s\n", focus.Notes)
	}
	sb.WriteString("\nDecide whether this operation is consistent with the plan. Deny anything destructive or outside the conflict being resolved.")
	return sb.String()
}

// PolicySystemPrompt is the system prompt for the policy session.
const PolicySystemPrompt = `You are the approval policy for an unattended merge-conflict resolution run.
Workers edit conflicted files, run verification commands, and stage resolved files.
Approve operations that serve the shared plan. Deny file writes outside the conflict set,
destructive commands, and anything that rewrites history or pushes to a remote.
Prefer allow_once; use allow_always only for clearly safe, repetitive operations like staging resolved files.`
