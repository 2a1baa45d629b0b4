package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeRuntime is an in-memory Runtime for tests. Responses are produced by
// the Respond hook; sessions record every prompt they receive.
type FakeRuntime struct {
	// Respond is consulted for every turn. When nil, turns echo "ok".
	Respond func(s *FakeSession, prompt string, opts TurnOptions) (*TurnResult, error)
	// ForkErr, when set, makes every ForkSession call fail. Used to exercise
	// the fresh-session fallback.
	ForkErr error

	mu       sync.Mutex
	sessions []*FakeSession
	starts   int
	forks    int
}

// FakeSession is one scripted conversation.
type FakeSession struct {
	rt         *FakeRuntime
	id         string
	Opts       SessionOptions
	ForkedFrom string // parent session ID when created via ForkSession

	mu      sync.Mutex
	Prompts []string
	turns   int
}

func (r *FakeRuntime) newSession(opts SessionOptions, forkedFrom string) *FakeSession {
	s := &FakeSession{rt: r, Opts: opts, ForkedFrom: forkedFrom}
	r.mu.Lock()
	s.id = fmt.Sprintf("fake-%d", len(r.sessions)+1)
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s
}

func (r *FakeRuntime) StartSession(ctx context.Context, opts SessionOptions) (Session, error) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	return r.newSession(opts, ""), nil
}

func (r *FakeRuntime) ResumeSession(ctx context.Context, id string, opts SessionOptions) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.id == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no session %s", id)
}

func (r *FakeRuntime) ForkSession(ctx context.Context, parent Session, atTurn int, opts SessionOptions) (Session, error) {
	if r.ForkErr != nil {
		return nil, r.ForkErr
	}
	r.mu.Lock()
	r.forks++
	r.mu.Unlock()
	return r.newSession(opts, parent.ID()), nil
}

// Sessions returns every session created so far.
func (r *FakeRuntime) Sessions() []*FakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeSession, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// StartCount returns how many fresh (non-fork) sessions were created.
func (r *FakeRuntime) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// ForkCount returns how many sessions were created by forking.
func (r *FakeRuntime) ForkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forks
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *FakeSession) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (*TurnResult, error) {
	s.mu.Lock()
	s.Prompts = append(s.Prompts, prompt)
	s.turns++
	s.mu.Unlock()

	if s.rt.Respond == nil {
		return &TurnResult{FinalText: "ok"}, nil
	}
	return s.rt.Respond(s, prompt, opts)
}

// JSONTurn builds a TurnResult whose text and structured payload are both the
// given JSON string. Convenience for scripting structured responses.
func JSONTurn(payload string) *TurnResult {
	return &TurnResult{FinalText: payload, Structured: json.RawMessage(payload)}
}
