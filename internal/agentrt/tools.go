package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/joescharf/remerge/internal/models"
)

// Command output fed back into the conversation is capped.
const maxToolOutputChars = 16000

// sessionTools declares the editing tools available to tool-enabled sessions.
// read_file is free; write_file, run_command, and stage_file are sensitive
// and go through the approval gate.
func sessionTools() []anthropic.ToolUnionParam {
	readFile := anthropic.ToolParam{
		Name:        "read_file",
		Description: anthropic.String("Read a file from the repository. Returns the full content."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"path": map[string]any{"type": "string", "description": "Repo-relative file path"},
			},
			Required: []string{"path"},
		},
	}
	writeFile := anthropic.ToolParam{
		Name:        "write_file",
		Description: anthropic.String("Write the full content of a file in the repository, replacing what is there."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"path":    map[string]any{"type": "string", "description": "Repo-relative file path"},
				"content": map[string]any{"type": "string", "description": "Complete new file content"},
			},
			Required: []string{"path", "content"},
		},
	}
	runCommand := anthropic.ToolParam{
		Name:        "run_command",
		Description: anthropic.String("Run a shell command in the repository root and return combined output."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command to run"},
			},
			Required: []string{"command"},
		},
	}
	stageFile := anthropic.ToolParam{
		Name:        "stage_file",
		Description: anthropic.String("git add a file, clearing its unmerged state in the index."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"path": map[string]any{"type": "string", "description": "Repo-relative file path"},
			},
			Required: []string{"path"},
		},
	}

	return []anthropic.ToolUnionParam{
		{OfTool: &readFile},
		{OfTool: &writeFile},
		{OfTool: &runCommand},
		{OfTool: &stageFile},
	}
}

type toolInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Command string `json:"command"`
}

// execTool executes one tool call locally, gating sensitive operations.
// Returns the tool result text and whether it is an error result.
func (s *anthropicSession) execTool(ctx context.Context, tu anthropic.ToolUseBlock) (string, bool) {
	var in toolInput
	if err := json.Unmarshal(tu.Input, &in); err != nil {
		return fmt.Sprintf("invalid tool input: %v", err), true
	}

	switch tu.Name {
	case "read_file":
		return s.toolReadFile(in.Path)
	case "write_file":
		req := ApprovalRequest{Kind: "write_file", Title: "write " + in.Path, Path: in.Path, SessionID: s.id}
		if decision, reason := s.gateApproval(ctx, req); decision == models.ApprovalDeny {
			return "denied by approval policy: " + reason, true
		}
		return s.toolWriteFile(in.Path, in.Content)
	case "run_command":
		req := ApprovalRequest{Kind: "run_command", Title: "run " + in.Command, Command: in.Command, SessionID: s.id}
		if decision, reason := s.gateApproval(ctx, req); decision == models.ApprovalDeny {
			return "denied by approval policy: " + reason, true
		}
		return s.toolRunCommand(ctx, in.Command)
	case "stage_file":
		req := ApprovalRequest{Kind: "stage_file", Title: "stage " + in.Path, Path: in.Path, SessionID: s.id}
		if decision, reason := s.gateApproval(ctx, req); decision == models.ApprovalDeny {
			return "denied by approval policy: " + reason, true
		}
		return s.toolRunCommand(ctx, "git add -- "+shellQuote(in.Path))
	default:
		return fmt.Sprintf("unknown tool: %s", tu.Name), true
	}
}

func (s *anthropicSession) resolvePath(path string) (string, error) {
	if s.opts.WorkDir == "" {
		return "", fmt.Errorf("session has no working directory")
	}
	abs := filepath.Join(s.opts.WorkDir, path)
	root := filepath.Clean(s.opts.WorkDir)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository: %s", path)
	}
	return abs, nil
}

func (s *anthropicSession) toolReadFile(path string) (string, bool) {
	abs, err := s.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Sprintf("read %s: %v", path, err), true
	}
	return truncateOutput(string(data)), false
}

func (s *anthropicSession) toolWriteFile(path, content string) (string, bool) {
	abs, err := s.resolvePath(path)
	if err != nil {
		return err.Error(), true
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Sprintf("write %s: %v", path, err), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), false
}

func (s *anthropicSession) toolRunCommand(ctx context.Context, command string) (string, bool) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.opts.WorkDir
	out, err := cmd.CombinedOutput()
	text := truncateOutput(string(out))
	if err != nil {
		return fmt.Sprintf("%s\ncommand failed: %v", text, err), true
	}
	return text, false
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutputChars {
		return s
	}
	return s[:maxToolOutputChars] + "\n... [output truncated]"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
