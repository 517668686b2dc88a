package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/folder-mcp/folderd/internal/config"
	"github.com/folder-mcp/folderd/internal/daemon"
	"github.com/folder-mcp/folderd/internal/logging"
	"github.com/folder-mcp/folderd/internal/output"
	"github.com/folder-mcp/folderd/pkg/version"
)

func newDaemonCmd() *cobra.Command {
	var restart bool
	var port int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the indexing daemon",
		Long: `Run the indexing daemon in the foreground.

The daemon watches every configured folder, keeps its index current, and
serves the HTTP API and WebSocket status stream. Only one daemon runs per
user; a second invocation fails unless --restart is given, which asks the
old daemon to shut down and takes its place.

Exit codes:
  0  graceful shutdown (SIGINT/SIGTERM)
  1  startup or runtime failure
  2  another daemon is already running and --restart was not given

Examples:
  folderd daemon                # Run on the configured port
  folderd daemon --port 3099    # Override the listen port
  folderd daemon --restart      # Replace a running daemon`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cmd, restart, port)
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "Replace an already running daemon")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")

	return cmd
}

func runDaemon(ctx context.Context, cmd *cobra.Command, restart bool, port int) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Daemon.Port = port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logCfg := logging.DefaultConfig()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.File != "" {
		logCfg.FilePath = cfg.Log.File
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Version: version.Version,
		Restart: restart,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	out.Statusf("", "folderd %s", version.Version)
	out.Statusf("", "API: %s", daemonURL(cfg))
	out.Statusf("", "Logs: %s", logCfg.FilePath)
	out.Status("", "Press Ctrl+C to stop")
	out.Newline()

	err = d.Run(ctx)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		return fmt.Errorf("%w (use --restart to replace it)", err)
	}
	return err
}
