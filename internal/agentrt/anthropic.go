package agentrt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/remerge/internal/models"
)

// Tool loops are bounded so a confused session cannot spin forever.
const maxToolRounds = 25

// AnthropicRuntime implements Runtime against the Anthropic Messages API.
// Each session keeps its full message history in memory; a fork copies the
// history prefix up to the requested turn. The approval callback is an
// explicit constructor dependency so two orchestrators never share policy
// state through a global.
type AnthropicRuntime struct {
	api      *anthropic.Client
	approval ApprovalFunc

	mu       sync.Mutex
	sessions map[string]*anthropicSession
	// Tool kinds the gate has blanket-approved for the rest of the run.
	alwaysAllowed map[string]bool
}

// NewAnthropicRuntime creates a runtime with the given API key and approval
// callback. approval may be nil, in which case every sensitive tool call is
// denied.
func NewAnthropicRuntime(apiKey string, approval ApprovalFunc) *AnthropicRuntime {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicRuntime{
		api:           &client,
		approval:      approval,
		sessions:      make(map[string]*anthropicSession),
		alwaysAllowed: make(map[string]bool),
	}
}

// anthropicSession holds one conversation. turnStarts[i] is the index into
// history where turn i begins, which is what makes fork-at-turn possible.
type anthropicSession struct {
	rt   *AnthropicRuntime
	id   string
	opts SessionOptions

	mu         sync.Mutex
	history    []anthropic.MessageParam
	turnStarts []int
}

func newSessionID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// StartSession creates a fresh session with no inherited context.
func (r *AnthropicRuntime) StartSession(ctx context.Context, opts SessionOptions) (Session, error) {
	s := &anthropicSession{rt: r, id: newSessionID(), opts: opts}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s, nil
}

// ResumeSession returns the live session with the given id.
func (r *AnthropicRuntime) ResumeSession(ctx context.Context, id string, opts SessionOptions) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no session %s to resume", id)
	}
	return s, nil
}

// ForkSession derives a new session that inherits the first atTurn turns of
// parent, then diverges.
func (r *AnthropicRuntime) ForkSession(ctx context.Context, parent Session, atTurn int, opts SessionOptions) (Session, error) {
	ps, ok := parent.(*anthropicSession)
	if !ok {
		return nil, fmt.Errorf("cannot fork foreign session %s", parent.ID())
	}

	ps.mu.Lock()
	if atTurn < 0 || atTurn > len(ps.turnStarts) {
		ps.mu.Unlock()
		return nil, fmt.Errorf("fork point %d out of range (session has %d turns)", atTurn, len(ps.turnStarts))
	}
	cut := len(ps.history)
	if atTurn < len(ps.turnStarts) {
		cut = ps.turnStarts[atTurn]
	}
	inherited := make([]anthropic.MessageParam, cut)
	copy(inherited, ps.history[:cut])
	starts := make([]int, atTurn)
	copy(starts, ps.turnStarts[:atTurn])
	ps.mu.Unlock()

	s := &anthropicSession{rt: r, id: newSessionID(), opts: opts, history: inherited, turnStarts: starts}
	if s.opts.System == "" {
		s.opts.System = ps.opts.System
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s, nil
}

func (s *anthropicSession) ID() string { return s.id }

func (s *anthropicSession) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turnStarts)
}

// RunTurn appends the prompt to the session history, drives the model
// (including the tool loop for tool-enabled sessions), and returns the final
// text. When opts.OutputSchema is set, the response is required to be a
// single JSON payload; see ParseStructured.
func (s *anthropicSession) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userPrompt := prompt
	if opts.OutputSchema != "" {
		userPrompt = prompt + "\n\nRespond with ONLY a JSON object matching this shape, no markdown fencing or explanation:\n" + opts.OutputSchema
	}

	s.turnStarts = append(s.turnStarts, len(s.history))
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)))

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = s.opts.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	result := &TurnResult{}
	for round := 0; round < maxToolRounds; round++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(s.opts.Model),
			MaxTokens: maxTokens,
			Messages:  s.history,
		}
		if s.opts.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: s.opts.System}}
		}
		if s.opts.Tools {
			params.Tools = sessionTools()
		}

		msg, err := s.rt.api.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic API call: %w", err)
		}
		result.Usage.InputTokens += msg.Usage.InputTokens
		result.Usage.OutputTokens += msg.Usage.OutputTokens
		s.history = append(s.history, msg.ToParam())

		var text string
		var toolUses []anthropic.ToolUseBlock
		for _, block := range msg.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				if text == "" {
					text = v.Text
				}
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, v)
			}
		}
		result.FinalText = text

		if msg.StopReason != anthropic.StopReasonToolUse || len(toolUses) == 0 {
			break
		}

		var toolResults []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			out, isErr := s.execTool(ctx, tu)
			toolResults = append(toolResults, anthropic.NewToolResultBlock(tu.ID, out, isErr))
		}
		s.history = append(s.history, anthropic.NewUserMessage(toolResults...))
	}

	if result.FinalText == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	if opts.OutputSchema != "" {
		structured, err := ParseStructured(result.FinalText)
		if err == nil {
			result.Structured = structured
		}
		// A parse failure is not fatal here: the caller owns the decision of
		// what a malformed structured response means (reject, deny, ...).
	}
	return result, nil
}

// gateApproval runs the sensitive-tool check, honoring blanket approvals.
func (s *anthropicSession) gateApproval(ctx context.Context, req ApprovalRequest) (models.ApprovalDecision, string) {
	s.rt.mu.Lock()
	allowed := s.rt.alwaysAllowed[req.Kind]
	s.rt.mu.Unlock()
	if allowed {
		return models.ApprovalAllowAlways, "previously approved for all uses"
	}

	if s.rt.approval == nil {
		return models.ApprovalDeny, "no approval policy registered"
	}
	decision, reason := s.rt.approval(ctx, req)
	if decision == models.ApprovalAllowAlways {
		s.rt.mu.Lock()
		s.rt.alwaysAllowed[req.Kind] = true
		s.rt.mu.Unlock()
	}
	return decision, reason
}
