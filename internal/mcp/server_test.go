package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/remerge/internal/models"
)

// mockStore implements store.Store for testing.
type mockStore struct {
	runs       []*models.Run
	outcomes   map[string][]*models.WorkerOutcome
	dispatches map[string][]*models.TriageDispatch

	listRunsErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		outcomes:   make(map[string][]*models.WorkerOutcome),
		dispatches: make(map[string][]*models.TriageDispatch),
	}
}

func (m *mockStore) CreateRun(_ context.Context, r *models.Run) error {
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run not found: %s", id)
}

func (m *mockStore) ListRuns(_ context.Context, repoPath string, limit int) ([]*models.Run, error) {
	if m.listRunsErr != nil {
		return nil, m.listRunsErr
	}
	var out []*models.Run
	for _, r := range m.runs {
		if repoPath != "" && r.RepoPath != repoPath {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) UpdateRun(_ context.Context, r *models.Run) error { return nil }

func (m *mockStore) CreateOutcome(_ context.Context, runID string, o *models.WorkerOutcome) error {
	m.outcomes[runID] = append(m.outcomes[runID], o)
	return nil
}

func (m *mockStore) ListOutcomes(_ context.Context, runID string) ([]*models.WorkerOutcome, error) {
	return m.outcomes[runID], nil
}

func (m *mockStore) CreateDispatch(_ context.Context, d *models.TriageDispatch) error {
	m.dispatches[d.RunID] = append(m.dispatches[d.RunID], d)
	return nil
}

func (m *mockStore) ListDispatches(_ context.Context, runID string) ([]*models.TriageDispatch, error) {
	return m.dispatches[runID], nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func seedRun(ms *mockStore, id, repo string, status models.RunStatus) *models.Run {
	r := &models.Run{
		ID:        id,
		RepoPath:  repo,
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
	ms.runs = append(ms.runs, r)
	return r
}

func TestNewServer(t *testing.T) {
	srv := NewServer(newMockStore())
	require.NotNil(t, srv.MCPServer())
}

func TestHandleListRuns(t *testing.T) {
	ms := newMockStore()
	seedRun(ms, "run-1", "/tmp/a", models.RunStatusResolved)
	seedRun(ms, "run-2", "/tmp/b", models.RunStatusFailed)
	srv := NewServer(ms)

	result, err := srv.handleListRuns(context.Background(), callToolReq("remerge_list_runs", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "run-2")
}

func TestHandleListRuns_RepoFilter(t *testing.T) {
	ms := newMockStore()
	seedRun(ms, "run-1", "/tmp/a", models.RunStatusResolved)
	seedRun(ms, "run-2", "/tmp/b", models.RunStatusResolved)
	srv := NewServer(ms)

	result, err := srv.handleListRuns(context.Background(), callToolReq("remerge_list_runs", map[string]any{"repo": "/tmp/a"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "run-1")
	assert.NotContains(t, text, "run-2")
}

func TestHandleListRuns_BadLimit(t *testing.T) {
	srv := NewServer(newMockStore())

	result, err := srv.handleListRuns(context.Background(), callToolReq("remerge_list_runs", map[string]any{"limit": "abc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListRuns_StoreError(t *testing.T) {
	ms := newMockStore()
	ms.listRunsErr = fmt.Errorf("db gone")
	srv := NewServer(ms)

	result, err := srv.handleListRuns(context.Background(), callToolReq("remerge_list_runs", nil))
	require.NoError(t, err, "handler should wrap store errors in the result")
	assert.True(t, result.IsError)
}

func TestHandleRunStatus(t *testing.T) {
	ms := newMockStore()
	r := seedRun(ms, "run-1", "/tmp/a", models.RunStatusTriageRan)
	r.Resolved = 2
	ms.dispatches["run-1"] = []*models.TriageDispatch{
		{RunID: "run-1", Label: "TestParse", SessionKey: "a.go:worker", Matched: true},
	}
	srv := NewServer(ms)

	result, err := srv.handleRunStatus(context.Background(), callToolReq("remerge_run_status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Status     string `json:"status"`
		Resolved   int    `json:"resolved"`
		Dispatches []struct {
			Label   string `json:"label"`
			Matched bool   `json:"matched"`
		} `json:"triage_dispatches"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	assert.Equal(t, "triage_ran", out.Status)
	assert.Equal(t, 2, out.Resolved)
	require.Len(t, out.Dispatches, 1)
	assert.Equal(t, "TestParse", out.Dispatches[0].Label)
	assert.True(t, out.Dispatches[0].Matched)
}

func TestHandleRunStatus_NotFound(t *testing.T) {
	srv := NewServer(newMockStore())

	result, err := srv.handleRunStatus(context.Background(), callToolReq("remerge_run_status", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRunStatus_MissingID(t *testing.T) {
	srv := NewServer(newMockStore())

	result, err := srv.handleRunStatus(context.Background(), callToolReq("remerge_run_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListOutcomes(t *testing.T) {
	ms := newMockStore()
	seedRun(ms, "run-1", "/tmp/a", models.RunStatusResolved)
	ms.outcomes["run-1"] = []*models.WorkerOutcome{
		{Path: "a.go", Success: true, Changed: true, Status: models.ResolutionResolvedStaged, Attempt: 1},
		{Path: "b.go", Success: false, Changed: true, Status: models.ResolutionPersistsEdited, Attempt: 2, Error: "markers remain"},
	}
	srv := NewServer(ms)

	result, err := srv.handleListOutcomes(context.Background(), callToolReq("remerge_list_outcomes", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []struct {
		Path    string `json:"path"`
		Success bool   `json:"success"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "a.go", out[0].Path)
	assert.True(t, out[0].Success)
	assert.Equal(t, "resolved_staged", out[0].Status)
	assert.Equal(t, "markers remain", out[1].Error)
}
