package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folderd/internal/logging"
	"github.com/folder-mcp/folderd/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve Model Context Protocol tools over stdio",
		Long: `Serve MCP tools over stdio for AI assistants.

The bridge forwards every tool call to the running daemon's HTTP API, so
a daemon must be up first. Stdout carries JSON-RPC exclusively; logs go
to the daemon log file.

Register with an assistant, e.g. for Claude Desktop:

  {"mcpServers": {"folderd": {"command": "folderd", "args": ["mcp"]}}}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context())
		},
	}

	return cmd
}

func runMCP(ctx context.Context) error {
	// Stdout belongs to JSON-RPC; logging must never touch it.
	cleanup, err := logging.SetupMCPMode()
	if err != nil {
		return err
	}
	defer cleanup()

	client, _, err := newClient()
	if err != nil {
		return err
	}
	if !client.IsRunning(ctx) {
		return fmt.Errorf("no daemon at %s, start one with 'folderd daemon'", client.BaseURL())
	}

	srv, err := mcp.NewServer(client, slog.Default())
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
