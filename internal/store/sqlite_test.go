package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/remerge/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Run{
		RepoPath:      "/tmp/repo",
		OursRef:       "main",
		TheirsRef:     "feature",
		Status:        models.RunStatusRunning,
		ConflictCount: 3,
	}
	require.NoError(t, s.CreateRun(ctx, r))
	assert.NotEmpty(t, r.ID, "CreateRun assigns a ULID")
	assert.False(t, r.StartedAt.IsZero())

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/repo", got.RepoPath)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, 3, got.ConflictCount)
	assert.Nil(t, got.EndedAt)

	now := time.Now().UTC()
	r.Status = models.RunStatusResolved
	r.Resolved = 3
	r.EndedAt = &now
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusResolved, got.Status)
	assert.Equal(t, 3, got.Resolved)
	require.NotNil(t, got.EndedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := &models.Run{RepoPath: "/tmp/a", Status: models.RunStatusResolved, StartedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &models.Run{RepoPath: "/tmp/a", Status: models.RunStatusFailed, StartedAt: time.Now().UTC()}
	other := &models.Run{RepoPath: "/tmp/b", Status: models.RunStatusResolved, StartedAt: time.Now().UTC()}
	for _, r := range []*models.Run{older, newer, other} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	runs, err := s.ListRuns(ctx, "/tmp/a", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID, "newest first")

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Run{RepoPath: "/tmp/repo", Status: models.RunStatusRunning}
	require.NoError(t, s.CreateRun(ctx, r))

	o := &models.WorkerOutcome{
		Path:       "internal/app/main.go",
		Success:    true,
		Changed:    true,
		Summary:    "kept both sides",
		SessionKey: "internal/app/main.go:worker",
		Status:     models.ResolutionResolvedStaged,
		Attempt:    1,
	}
	require.NoError(t, s.CreateOutcome(ctx, r.ID, o))
	require.NoError(t, s.CreateOutcome(ctx, r.ID, &models.WorkerOutcome{
		Path: "other.go", Success: false, Changed: true,
		Status: models.ResolutionPersistsEdited, Error: "markers remain", Attempt: 2,
	}))

	outcomes, err := s.ListOutcomes(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	first := outcomes[0]
	assert.Equal(t, "internal/app/main.go", first.Path)
	assert.True(t, first.Success)
	assert.Equal(t, models.ResolutionResolvedStaged, first.Status)
	assert.False(t, first.FinishedAt.IsZero())

	second := outcomes[1]
	assert.False(t, second.Success)
	assert.Equal(t, "markers remain", second.Error)
	assert.Equal(t, 2, second.Attempt)
}

func TestDispatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Run{RepoPath: "/tmp/repo", Status: models.RunStatusTriageRan}
	require.NoError(t, s.CreateRun(ctx, r))

	d := &models.TriageDispatch{
		RunID:      r.ID,
		Label:      "TestParse",
		SessionKey: "a.go:worker",
		Matched:    true,
	}
	require.NoError(t, s.CreateDispatch(ctx, d))
	assert.NotEmpty(t, d.ID)

	dispatches, err := s.ListDispatches(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, "TestParse", dispatches[0].Label)
	assert.True(t, dispatches[0].Matched)
}
