package cmd

import (
	"github.com/spf13/cobra"

	remergemcp "github.com/joescharf/remerge/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for run ledger queries",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients query the resolution run ledger: past runs, their
per-file outcomes, and triage dispatches. Configure with:

  {
    "mcpServers": {
      "remerge": { "command": "remerge", "args": ["mcp"] }
    }
  }

Available tools: remerge_list_runs, remerge_run_status, remerge_list_outcomes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return remergemcp.NewServer(s).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
