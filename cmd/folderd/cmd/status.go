package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folderd/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and folder status",
		Long: `Show the daemon's health and the state of every configured folder.

Displays the daemon's PID, uptime and index totals, then each folder with
its indexing status, model, document counts and last error if any.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	renderer := ui.NewFleetRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))

	if !client.IsRunning(ctx) {
		st := ui.FleetStatus{Running: false}
		if jsonOutput {
			return renderer.RenderJSON(st)
		}
		return renderer.Render(st)
	}

	info, err := client.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server info: %w", err)
	}
	folders, err := client.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	st := ui.FleetStatus{
		Running:   true,
		URL:       client.BaseURL(),
		PID:       info.Daemon.PID,
		Version:   info.Daemon.Version,
		Uptime:    info.Daemon.UptimeSeconds,
		Documents: info.Totals.Documents,
		Chunks:    info.Totals.Chunks,
		Folders:   folders,
		Models:    info.Models,
	}

	if jsonOutput {
		return renderer.RenderJSON(st)
	}
	return renderer.Render(st)
}
