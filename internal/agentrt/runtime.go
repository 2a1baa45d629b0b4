// Package agentrt is the boundary to the agent runtime: long-lived
// conversational sessions, prompt turns with optional structured output, and
// forking a session's accumulated context at a prior turn.
package agentrt

import (
	"context"
	"encoding/json"

	"github.com/joescharf/remerge/internal/models"
)

// Usage accumulates token counts across the turns of one request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// TurnOptions configures one prompt/response round.
type TurnOptions struct {
	// OutputSchema, when non-empty, describes the exact JSON shape the
	// response must match. The runtime returns the parsed payload in
	// TurnResult.Structured; callers validate the shape themselves and
	// never trust it blindly.
	OutputSchema string
	MaxTokens    int64
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	FinalText  string
	Structured json.RawMessage // nil unless OutputSchema was requested and the text parsed
	Usage      Usage
}

// SessionOptions configures a new or forked session.
type SessionOptions struct {
	System    string
	Model     string
	MaxTokens int64
	// Tools enables the file-editing tool loop. Sessions without tools are
	// analysis-only (planners, reviewers, summarizers, the approval policy).
	Tools bool
	// WorkDir is the repository root tool calls operate in. Required when
	// Tools is set.
	WorkDir string
}

// Session is one persistent conversational context. Implementations must be
// safe for sequential turns; callers own serialization of concurrent use.
type Session interface {
	ID() string
	// TurnCount returns the number of completed turns, used as the fork point
	// when deriving worker sessions from the coordinator.
	TurnCount() int
	RunTurn(ctx context.Context, prompt string, opts TurnOptions) (*TurnResult, error)
}

// Runtime creates, resumes, and forks sessions.
type Runtime interface {
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)
	ResumeSession(ctx context.Context, id string, opts SessionOptions) (Session, error)
	// ForkSession derives a new session inheriting the first atTurn turns of
	// s, then diverging independently.
	ForkSession(ctx context.Context, s Session, atTurn int, opts SessionOptions) (Session, error)
}

// ApprovalRequest describes one sensitive operation a session wants to
// perform.
type ApprovalRequest struct {
	Kind      string // tool name, e.g. "write_file" or "run_command"
	Title     string
	Path      string
	Command   string
	SessionID string
}

// ApprovalFunc decides whether a sensitive operation may proceed. It is
// injected into the runtime at construction and invoked for every sensitive
// tool call across all sessions.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (models.ApprovalDecision, string)
