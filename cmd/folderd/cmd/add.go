package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folderd/internal/embed"
	"github.com/folder-mcp/folderd/internal/output"
)

func newAddCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Add a folder to the index",
		Long: `Add a folder to the set of indexed folders.

When the daemon is running the folder is handed to it directly and
indexing starts immediately. Otherwise the folder is written to the
configuration and picked up on the next daemon start.

The embedding model defaults to the curated CPU model.

Examples:
  folderd add ~/Documents
  folderd add ~/notes --model gpu:bge-m3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd.Context(), cmd, args[0], model)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Embedding model id (default: curated CPU model)")

	return cmd
}

func runAdd(ctx context.Context, cmd *cobra.Command, path, model string) error {
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
		if err := client.AddFolder(ctx, abs, model); err != nil {
			return err
		}
		out.Successf("Added %s", abs)
		out.Status("", "The daemon is indexing it now")
		return nil
	}

	// No daemon; validate here and edit the configuration directly.
	if model == "" {
		model, err = embed.DefaultModelID(embed.KindCPU)
		if err != nil {
			return err
		}
	}
	if _, err := embed.LookupModel(model); err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("folder does not exist: %s", abs)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", abs)
	}

	if _, err := cfg.AddFolder(abs, model); err != nil {
		return err
	}
	out.Successf("Added %s", abs)
	out.Status("", "It will be indexed when the daemon starts")
	return nil
}
