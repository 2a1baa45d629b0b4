// Package sessions maintains the mapping from logical work-item keys to live
// agent-runtime sessions. The map is the single source of truth for session
// affinity: a conflict keeps the same conversation across verification,
// staging, and retry rounds.
package sessions

import (
	"context"
	"sync"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/output"
)

// Kind distinguishes what concern a session serves.
type Kind string

const (
	KindWorker       Kind = "worker"
	KindPlanner      Kind = "planner"
	KindReviewer     Kind = "reviewer"
	KindAnalyst      Kind = "analyst"
	KindCISpecialist Kind = "ci"
	KindSummarizer   Kind = "summarizer"
)

// Key is the composite identity of a session: a path or label plus the kind
// of work it does.
type Key struct {
	Name string
	Kind Kind
}

func (k Key) String() string {
	return k.Name + ":" + string(k.Kind)
}

// Manager is the process-wide session registry. Acquire is idempotent:
// concurrent acquires for the same key always yield the same handle.
type Manager struct {
	rt agentrt.Runtime
	ui *output.UI

	mu          sync.Mutex
	handles     map[Key]agentrt.Session
	coordinator agentrt.Session
	coordTurn   int // fork point into the coordinator's history
}

// NewManager creates a session manager over the given runtime. ui may be nil.
func NewManager(rt agentrt.Runtime, ui *output.UI) *Manager {
	return &Manager{
		rt:      rt,
		ui:      ui,
		handles: make(map[Key]agentrt.Session),
	}
}

// SetCoordinator records the shared coordinator session. New sessions acquired
// afterwards fork from it at its current turn count, inheriting the
// accumulated plan context.
func (m *Manager) SetCoordinator(s agentrt.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator = s
	if s != nil {
		m.coordTurn = s.TurnCount()
	}
}

// Coordinator returns the shared coordinator session, or nil.
func (m *Manager) Coordinator() agentrt.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinator
}

// Acquire returns the existing session for key, or creates one. When a
// coordinator exists, creation forks it so the new session inherits the plan;
// a fork failure degrades to a fresh session and never aborts the caller.
func (m *Manager) Acquire(ctx context.Context, key Key, opts agentrt.SessionOptions) (agentrt.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.handles[key]; ok {
		return s, nil
	}

	s, err := m.create(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	m.handles[key] = s
	return s, nil
}

// create builds a session for key. Caller holds m.mu.
func (m *Manager) create(ctx context.Context, key Key, opts agentrt.SessionOptions) (agentrt.Session, error) {
	if m.coordinator != nil {
		s, err := m.rt.ForkSession(ctx, m.coordinator, m.coordTurn, opts)
		if err == nil {
			return s, nil
		}
		if m.ui != nil {
			m.ui.Warning("fork coordinator for %s failed, starting fresh session: %v", key, err)
		}
	}
	return m.rt.StartSession(ctx, opts)
}

// Lookup returns the session for key without creating one.
func (m *Manager) Lookup(key Key) (agentrt.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.handles[key]
	return s, ok
}

// LookupByID finds a session by its runtime ID, returning its key.
func (m *Manager) LookupByID(id string) (Key, agentrt.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.handles {
		if s.ID() == id {
			return k, s, true
		}
	}
	return Key{}, nil, false
}

// Release discards the handle for key so the next Acquire starts a clean
// session. Used between retries for strategies that must re-ground instead of
// compounding a confused context.
func (m *Manager) Release(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, key)
}
