package approval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/models"
)

func newGateWithResponse(t *testing.T, respond func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error)) (*Gate, *agentrt.FakeRuntime) {
	t.Helper()
	rt := &agentrt.FakeRuntime{Respond: respond}
	policy, err := rt.StartSession(context.Background(), agentrt.SessionOptions{System: PolicySystemPrompt})
	require.NoError(t, err)
	return NewGate(policy, nil), rt
}

func TestHandle_Approve(t *testing.T) {
	g, _ := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		return agentrt.JSONTurn(`{"decision":"allow_once","reason":"edit within the conflict set"}`), nil
	})

	decision, reason := g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "write_file", Path: "main.go"})
	assert.Equal(t, models.ApprovalAllowOnce, decision)
	assert.Equal(t, "edit within the conflict set", reason)
}

func TestHandle_FailsClosedOnUnparsableResponse(t *testing.T) {
	g, _ := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		return &agentrt.TurnResult{FinalText: "sure, go ahead!"}, nil
	})

	decision, _ := g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "run_command"})
	assert.Equal(t, models.ApprovalDeny, decision)
}

func TestHandle_FailsClosedOnTurnError(t *testing.T) {
	var rtRef *agentrt.FakeRuntime
	g, rt := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		if s.ID() == rtRef.Sessions()[0].ID() {
			return nil, errors.New("network down")
		}
		return &agentrt.TurnResult{FinalText: "understood"}, nil
	})
	rtRef = rt

	coord, err := rt.StartSession(context.Background(), agentrt.SessionOptions{})
	require.NoError(t, err)
	g.SetCoordinator(coord)

	decision, reason := g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "run_command"})
	assert.Equal(t, models.ApprovalDeny, decision)
	assert.Equal(t, "policy session error", reason)

	// The errored turn is still a denial; the coordinator hears about it too.
	prompts := coord.(*agentrt.FakeSession).Prompts
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "denied")
	assert.Contains(t, prompts[0], "policy session error")
}

func TestHandle_DenyNotifiesCoordinator(t *testing.T) {
	var rtRef *agentrt.FakeRuntime
	g, rt := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		// First session is the policy; the coordinator just acknowledges.
		if s.ID() == rtRef.Sessions()[0].ID() {
			return agentrt.JSONTurn(`{"decision":"deny","reason":"command touches files outside the conflict"}`), nil
		}
		return &agentrt.TurnResult{FinalText: "understood"}, nil
	})
	rtRef = rt

	coord, err := rt.StartSession(context.Background(), agentrt.SessionOptions{})
	require.NoError(t, err)
	g.SetCoordinator(coord)

	decision, _ := g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "run_command", Title: "run rm -rf build"})
	assert.Equal(t, models.ApprovalDeny, decision)

	prompts := coord.(*agentrt.FakeSession).Prompts
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "denied")
	assert.Contains(t, prompts[0], "run_command")
}

func TestHandle_FocusThreadedIntoPrompt(t *testing.T) {
	var sawPrompt string
	g, _ := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		sawPrompt = prompt
		return agentrt.JSONTurn(`{"decision":"allow_once","reason":"ok"}`), nil
	})

	release := g.BindFocus("worker-1", Focus{Path: "internal/a.go", Plan: "keep ours for config, theirs for API"})
	defer release()

	g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "write_file", SessionID: "worker-1", Path: "internal/a.go"})
	assert.Contains(t, sawPrompt, "internal/a.go")
	assert.Contains(t, sawPrompt, "keep ours for config")
}

func TestHandle_FocusClearedAfterRelease(t *testing.T) {
	var sawPrompt string
	g, _ := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		sawPrompt = prompt
		return agentrt.JSONTurn(`{"decision":"allow_once","reason":"ok"}`), nil
	})

	release := g.BindFocus("worker-1", Focus{Plan: "secret plan"})
	release()

	g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "write_file", SessionID: "worker-1"})
	assert.False(t, strings.Contains(sawPrompt, "secret plan"), "released focus must not leak into later requests")
}

func TestHandle_FocusIsolatedPerSession(t *testing.T) {
	var sawPrompt string
	g, _ := newGateWithResponse(t, func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		sawPrompt = prompt
		return agentrt.JSONTurn(`{"decision":"allow_once","reason":"ok"}`), nil
	})

	releaseA := g.BindFocus("worker-a", Focus{Path: "a.go"})
	defer releaseA()
	releaseB := g.BindFocus("worker-b", Focus{Path: "b.go"})
	defer releaseB()

	g.Handle(context.Background(), agentrt.ApprovalRequest{Kind: "write_file", SessionID: "worker-b"})
	assert.Contains(t, sawPrompt, "b.go")
	assert.False(t, strings.Contains(sawPrompt, "a.go"), "another worker's focus leaked into the decision")
}
