package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folderd/internal/output"
)

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove a folder from the index",
		Long: `Remove a folder from the set of indexed folders.

When the daemon is running the folder is removed immediately and its
watcher stops. Otherwise the configuration is edited directly.

The on-disk index under the folder's .folder-mcp directory is kept, so
adding the folder back does not trigger a full re-index. Delete that
directory by hand to reclaim the space.

Examples:
  folderd remove ~/Documents`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), cmd, args[0])
		},
	}

	return cmd
}

func runRemove(ctx context.Context, cmd *cobra.Command, path string) error {
	out := output.New(cmd.OutOrStdout())

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	if client.IsRunning(ctx) {
		if err := client.RemoveFolder(ctx, abs); err != nil {
			return err
		}
		out.Successf("Removed %s", abs)
		out.Status("", "The on-disk index is kept for a future re-add")
		return nil
	}

	removed, err := cfg.RemoveFolder(abs)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("folder is not configured: %s", abs)
	}
	out.Successf("Removed %s", abs)
	return nil
}
