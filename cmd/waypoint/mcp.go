package main

import (
	"github.com/hyperengineering/waypoint/internal/store"
	wpmcp "github.com/hyperengineering/waypoint/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

Agents can inspect sync status, list unsynced changes and the retry queue,
force a sync, re-arm stalled entries and capture brain dumps. The background
sync loop runs for the lifetime of the server.

Example agent configuration:

  {
    "mcpServers": {
      "waypoint": {
        "command": "waypoint",
        "args": ["mcp"],
        "env": {
          "WAYPOINT_PROFILE": "default",
          "WAYPOINT_REMOTE_URL": "https://sync.example.com",
          "WAYPOINT_API_KEY": "..."
        }
      }
    }
  }

Logs go to ~/.waypoint/profiles/<profile>/waypoint.log so stdout stays
reserved for the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// The client persists for the server lifetime.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LogPath == "" {
		cfg.LogPath = store.LogPath(cfg.WithDefaults().Profile)
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return wpmcp.NewServer(client).Run()
}
