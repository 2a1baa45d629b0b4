package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/joescharf/remerge/internal/agentrt"
)

func TestAcquire_GetOrCreate(t *testing.T) {
	rt := &agentrt.FakeRuntime{}
	m := NewManager(rt, nil)
	ctx := context.Background()

	key := Key{Name: "main.go", Kind: KindWorker}
	s1, err := m.Acquire(ctx, key, agentrt.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Acquire(ctx, key, agentrt.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID() != s2.ID() {
		t.Errorf("same key returned different sessions: %s vs %s", s1.ID(), s2.ID())
	}
	if rt.StartCount() != 1 {
		t.Errorf("expected 1 session start, got %d", rt.StartCount())
	}
}

func TestAcquire_ConcurrentSameKey(t *testing.T) {
	rt := &agentrt.FakeRuntime{}
	m := NewManager(rt, nil)
	ctx := context.Background()
	key := Key{Name: "main.go", Kind: KindWorker}

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Acquire(ctx, key, agentrt.SessionOptions{})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = s.ID()
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent acquires created distinct sessions: %v", ids)
		}
	}
	if rt.StartCount() != 1 {
		t.Errorf("expected exactly 1 session, got %d", rt.StartCount())
	}
}

func TestAcquire_DistinctKinds(t *testing.T) {
	rt := &agentrt.FakeRuntime{}
	m := NewManager(rt, nil)
	ctx := context.Background()

	worker, _ := m.Acquire(ctx, Key{Name: "main.go", Kind: KindWorker}, agentrt.SessionOptions{})
	specialist, _ := m.Acquire(ctx, Key{Name: "main.go", Kind: KindCISpecialist}, agentrt.SessionOptions{})
	if worker.ID() == specialist.ID() {
		t.Error("different kinds for the same path must map to different sessions")
	}
}

func TestAcquire_ForksFromCoordinator(t *testing.T) {
	rt := &agentrt.FakeRuntime{}
	m := NewManager(rt, nil)
	ctx := context.Background()

	coord, _ := rt.StartSession(ctx, agentrt.SessionOptions{})
	if _, err := coord.RunTurn(ctx, "make a plan", agentrt.TurnOptions{}); err != nil {
		t.Fatal(err)
	}
	m.SetCoordinator(coord)

	s, err := m.Acquire(ctx, Key{Name: "main.go", Kind: KindWorker}, agentrt.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	fs := s.(*agentrt.FakeSession)
	if fs.ForkedFrom != coord.ID() {
		t.Errorf("session not forked from coordinator (forkedFrom=%q)", fs.ForkedFrom)
	}
	if rt.ForkCount() != 1 {
		t.Errorf("expected 1 fork, got %d", rt.ForkCount())
	}
}

func TestAcquire_ForkFailureFallsBack(t *testing.T) {
	rt := &agentrt.FakeRuntime{ForkErr: errors.New("fork unsupported")}
	m := NewManager(rt, nil)
	ctx := context.Background()

	coord, _ := rt.StartSession(ctx, agentrt.SessionOptions{})
	m.SetCoordinator(coord)

	s, err := m.Acquire(ctx, Key{Name: "main.go", Kind: KindWorker}, agentrt.SessionOptions{})
	if err != nil {
		t.Fatalf("fork failure must not abort acquire: %v", err)
	}
	if s.(*agentrt.FakeSession).ForkedFrom != "" {
		t.Error("expected a fresh session after fork failure")
	}
}

func TestRelease(t *testing.T) {
	rt := &agentrt.FakeRuntime{}
	m := NewManager(rt, nil)
	ctx := context.Background()
	key := Key{Name: "main.go", Kind: KindWorker}

	s1, _ := m.Acquire(ctx, key, agentrt.SessionOptions{})
	m.Release(key)
	s2, _ := m.Acquire(ctx, key, agentrt.SessionOptions{})
	if s1.ID() == s2.ID() {
		t.Error("release must force a clean session on next acquire")
	}
}
