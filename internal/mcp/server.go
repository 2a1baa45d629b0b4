// Package mcp exposes the run ledger over the Model Context Protocol so other
// agents can inspect past resolution runs.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/remerge/internal/models"
	"github.com/joescharf/remerge/internal/store"
)

// Server wraps the ledger store and exposes it as MCP tools.
type Server struct {
	store store.Store
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("remerge", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listRunsTool())
	srv.AddTool(s.runStatusTool())
	srv.AddTool(s.listOutcomesTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

type runOut struct {
	ID                  string     `json:"id"`
	RepoPath            string     `json:"repo_path"`
	OursRef             string     `json:"ours_ref,omitempty"`
	TheirsRef           string     `json:"theirs_ref,omitempty"`
	Status              string     `json:"status"`
	ConflictCount       int        `json:"conflict_count"`
	Resolved            int        `json:"resolved"`
	UnresolvedEdited    int        `json:"unresolved_edited"`
	UnresolvedUntouched int        `json:"unresolved_untouched"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
}

func runToOut(r *models.Run) runOut {
	return runOut{
		ID:                  r.ID,
		RepoPath:            r.RepoPath,
		OursRef:             r.OursRef,
		TheirsRef:           r.TheirsRef,
		Status:              string(r.Status),
		ConflictCount:       r.ConflictCount,
		Resolved:            r.Resolved,
		UnresolvedEdited:    r.UnresolvedEdited,
		UnresolvedUntouched: r.UnresolvedUntouched,
		StartedAt:           r.StartedAt,
		EndedAt:             r.EndedAt,
	}
}

// remerge_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remerge_list_runs",
		mcp.WithDescription("List recent conflict-resolution runs, newest first. Returns a JSON array with id, repo_path, status, conflict and resolution counts, and timestamps."),
		mcp.WithString("repo", mcp.Description("Filter by repository path")),
		mcp.WithString("limit", mcp.Description("Maximum number of runs to return (default 50)")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo := request.GetString("repo", "")
	limit := 0
	if raw := request.GetString("limit", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid limit: %s", raw)), nil
		}
		limit = n
	}

	runs, err := s.store.ListRuns(ctx, repo, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	out := make([]runOut, len(runs))
	for i, r := range runs {
		out[i] = runToOut(r)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remerge_run_status
func (s *Server) runStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remerge_run_status",
		mcp.WithDescription("Get one run's status: counts, timestamps, and any CI triage dispatches it produced."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID (ULID)")),
	)
	return tool, s.handleRunStatus
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
	}

	dispatches, err := s.store.ListDispatches(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list dispatches: %v", err)), nil
	}

	type dispatchOut struct {
		Label      string `json:"label"`
		SessionKey string `json:"session_key"`
		Matched    bool   `json:"matched"`
	}
	out := struct {
		runOut
		Dispatches []dispatchOut `json:"triage_dispatches,omitempty"`
	}{runOut: runToOut(run)}
	for _, d := range dispatches {
		out.Dispatches = append(out.Dispatches, dispatchOut{Label: d.Label, SessionKey: d.SessionKey, Matched: d.Matched})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// remerge_list_outcomes
func (s *Server) listOutcomesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("remerge_list_outcomes",
		mcp.WithDescription("List per-conflict outcomes for a run in attempt order. Each outcome has path, success, changed, status, attempt, summary, and error."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID (ULID)")),
	)
	return tool, s.handleListOutcomes
}

func (s *Server) handleListOutcomes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	outcomes, err := s.store.ListOutcomes(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list outcomes: %v", err)), nil
	}

	type outcomeOut struct {
		Path    string `json:"path"`
		Success bool   `json:"success"`
		Changed bool   `json:"changed"`
		Status  string `json:"status,omitempty"`
		Attempt int    `json:"attempt"`
		Summary string `json:"summary,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	out := make([]outcomeOut, len(outcomes))
	for i, o := range outcomes {
		out[i] = outcomeOut{
			Path:    o.Path,
			Success: o.Success,
			Changed: o.Changed,
			Status:  string(o.Status),
			Attempt: o.Attempt,
			Summary: o.Summary,
			Error:   o.Error,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal outcomes: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
