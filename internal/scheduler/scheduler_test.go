package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/remerge/internal/agentrt"
	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/sessions"
	"github.com/joescharf/remerge/internal/strategy"
)

const conflictedContent = "<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> feature\n"

type fakeCollector struct {
	mu    sync.Mutex
	files map[string]string
}

func (f *fakeCollector) CollectConflicts(a, b string) (*models.RepoSnapshot, error) {
	return &models.RepoSnapshot{}, nil
}

func (f *fakeCollector) ReadWorkingFile(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok
}

func (f *fakeCollector) ListConflictedPaths() ([]string, error) { return nil, nil }
func (f *fakeCollector) StageFile(path string) error            { return nil }
func (f *fakeCollector) CompareRefs(a, b string) (string, error) {
	return "", nil
}

func (f *fakeCollector) set(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

type resolveCall struct {
	path     string
	attempt  int
	feedback string
}

// fakeResolver scripts per-attempt outcomes and records every call.
type fakeResolver struct {
	mu     sync.Mutex
	kind   strategy.Kind
	script func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome
	calls  []resolveCall
}

func (f *fakeResolver) Resolve(ctx context.Context, cc *models.ConflictContext, attempt int, feedback string) *models.WorkerOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, resolveCall{cc.Path, attempt, feedback})
	f.mu.Unlock()
	return f.script(cc, attempt)
}

func (f *fakeResolver) Kind(cc *models.ConflictContext) strategy.Kind {
	if f.kind == "" {
		return strategy.KindSingle
	}
	return f.kind
}

func (f *fakeResolver) callsFor(path string) []resolveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []resolveCall
	for _, c := range f.calls {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func simpleCC(path string) *models.ConflictContext {
	return &models.ConflictContext{
		Path:        path,
		LineCount:   10,
		MarkerCount: 2,
		Diffs:       models.DiffExcerpts{Working: conflictedContent},
	}
}

func complexCC(path string) *models.ConflictContext {
	cc := simpleCC(path)
	cc.MarkerCount = 20
	return cc
}

func success(col *fakeCollector) func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
	return func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
		col.set(cc.Path, "merged\n")
		return &models.WorkerOutcome{Path: cc.Path, Success: true, Changed: true, Status: models.ResolutionResolvedStaged, Attempt: attempt}
	}
}

func newScheduler(t *testing.T, cfg Config, resolver Resolver, col *fakeCollector) (*Scheduler, *agentrt.FakeRuntime) {
	t.Helper()
	rt := &agentrt.FakeRuntime{Respond: func(s *agentrt.FakeSession, prompt string, opts agentrt.TurnOptions) (*agentrt.TurnResult, error) {
		return &agentrt.TurnResult{FinalText: "try preserving both sides of the hunk"}, nil
	}}
	sm := sessions.NewManager(rt, nil)
	return New(cfg, resolver, sm, col, nil), rt
}

func TestRun_TwoSimpleConflictsOneGroup(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"a.go": conflictedContent, "b.go": conflictedContent}}
	resolver := &fakeResolver{script: success(col)}
	s, _ := newScheduler(t, Config{Concurrency: 4}, resolver, col)

	result := s.Run(context.Background(), []*models.ConflictContext{simpleCC("a.go"), simpleCC("b.go")})

	assert.Equal(t, 2, result.Aggregate.Resolved)
	assert.Equal(t, 0, result.Aggregate.Unresolved())
	assert.False(t, result.Aggregate.Halted)
	assert.Len(t, resolver.calls, 2, "both resolved first attempt")
}

func TestRun_SimpleOrderedBeforeComplex(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"a.go": conflictedContent, "b.go": conflictedContent, "c.go": conflictedContent}}
	resolver := &fakeResolver{script: success(col)}
	// Concurrency 1 makes the global order observable.
	s, _ := newScheduler(t, Config{Concurrency: 1}, resolver, col)

	s.Run(context.Background(), []*models.ConflictContext{complexCC("a.go"), simpleCC("b.go"), complexCC("c.go")})

	require.Len(t, resolver.calls, 3)
	assert.Equal(t, "b.go", resolver.calls[0].path, "simple conflicts run first")
	assert.Equal(t, "a.go", resolver.calls[1].path)
	assert.Equal(t, "c.go", resolver.calls[2].path)
}

func TestRun_RetryBoundAndFeedback(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"a.go": conflictedContent}}
	resolver := &fakeResolver{script: func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
		if attempt == 2 {
			col.set(cc.Path, "merged\n")
			return &models.WorkerOutcome{Path: cc.Path, Success: true, Changed: true, Status: models.ResolutionResolvedStaged}
		}
		return &models.WorkerOutcome{Path: cc.Path, Success: false, Changed: true, Status: models.ResolutionPersistsEdited, Summary: "left markers"}
	}}
	s, _ := newScheduler(t, Config{MaxAttempts: 2}, resolver, col)

	result := s.Run(context.Background(), []*models.ConflictContext{simpleCC("a.go")})

	calls := resolver.callsFor("a.go")
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].feedback)
	assert.Contains(t, calls[1].feedback, "preserving both sides", "reviewer feedback threads into the retry")
	assert.Equal(t, 1, result.Aggregate.Resolved)
}

func TestRun_NoConflictExceedsMaxAttempts(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"a.go": "merged\n"}}
	resolver := &fakeResolver{script: func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
		return &models.WorkerOutcome{Path: cc.Path, Success: false, Changed: false, Status: models.ResolutionPersistsUntouched}
	}}
	s, _ := newScheduler(t, Config{MaxAttempts: 2}, resolver, col)

	result := s.Run(context.Background(), []*models.ConflictContext{simpleCC("a.go")})

	assert.Len(t, resolver.callsFor("a.go"), 2)
	assert.Equal(t, 1, result.Aggregate.UnresolvedUntouched)
}

func TestRun_BatchHaltsOnStillConflictedGroup(t *testing.T) {
	col := &fakeCollector{files: map[string]string{
		"a.go": conflictedContent, "b.go": conflictedContent, "c.go": conflictedContent,
	}}
	resolver := &fakeResolver{script: func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
		if cc.Path == "b.go" {
			// Claims success but leaves markers on disk.
			return &models.WorkerOutcome{Path: cc.Path, Success: true, Changed: true, Status: models.ResolutionResolvedStaged}
		}
		col.set(cc.Path, "merged\n")
		return &models.WorkerOutcome{Path: cc.Path, Success: true, Changed: true, Status: models.ResolutionResolvedStaged}
	}}
	// Groups: [a b] [c]. b's lingering markers must stop c from starting.
	s, _ := newScheduler(t, Config{Concurrency: 2}, resolver, col)

	result := s.Run(context.Background(), []*models.ConflictContext{simpleCC("a.go"), simpleCC("b.go"), simpleCC("c.go")})

	assert.True(t, result.Aggregate.Halted)
	assert.Empty(t, resolver.callsFor("c.go"), "no item from the next group may start")
	// The disk re-read overrides b.go's claimed success.
	require.NotNil(t, result.Outcomes["b.go"])
	assert.False(t, result.Outcomes["b.go"].Success)
	assert.Equal(t, models.ResolutionPersistsEdited, result.Outcomes["b.go"].Status)
	assert.Equal(t, 1, result.Aggregate.Resolved)
	assert.Equal(t, 1, result.Aggregate.UnresolvedEdited)
	// c.go was never attempted and counts as unresolved-untouched.
	assert.Equal(t, 1, result.Aggregate.UnresolvedUntouched)
	assert.Equal(t, 2, result.Aggregate.Unresolved())
}

func TestRun_SessionResetBetweenRetries(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"a.go": conflictedContent}}

	var acquired []string
	var mu sync.Mutex
	var sm *sessions.Manager
	resolver := &fakeResolver{
		kind: strategy.KindDual,
		script: func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
			s, err := sm.Acquire(context.Background(), sessions.Key{Name: cc.Path, Kind: sessions.KindWorker}, agentrt.SessionOptions{})
			if err == nil {
				mu.Lock()
				acquired = append(acquired, s.ID())
				mu.Unlock()
			}
			return &models.WorkerOutcome{Path: cc.Path, Success: false, Changed: true, Status: models.ResolutionPersistsEdited}
		},
	}

	rt := &agentrt.FakeRuntime{}
	sm = sessions.NewManager(rt, nil)
	s := New(Config{MaxAttempts: 2}, resolver, sm, col, nil)
	s.Run(context.Background(), []*models.ConflictContext{simpleCC("a.go")})

	require.Len(t, acquired, 2)
	assert.NotEqual(t, acquired[0], acquired[1], "dual-agent retries must start from a clean session")
}

func TestRun_AggregateDistinguishesEditedFromUntouched(t *testing.T) {
	col := &fakeCollector{files: map[string]string{"edited.go": "touched\n", "untouched.go": "orig\n"}}
	resolver := &fakeResolver{script: func(cc *models.ConflictContext, attempt int) *models.WorkerOutcome {
		changed := cc.Path == "edited.go"
		status := models.ResolutionPersistsUntouched
		if changed {
			status = models.ResolutionPersistsEdited
		}
		return &models.WorkerOutcome{Path: cc.Path, Success: false, Changed: changed, Status: status}
	}}
	s, _ := newScheduler(t, Config{MaxAttempts: 1}, resolver, col)

	result := s.Run(context.Background(), []*models.ConflictContext{simpleCC("edited.go"), simpleCC("untouched.go")})

	assert.Equal(t, 1, result.Aggregate.UnresolvedEdited)
	assert.Equal(t, 1, result.Aggregate.UnresolvedUntouched)
	assert.Equal(t, 0, result.Aggregate.Resolved)
}
