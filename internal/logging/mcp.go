package logging

import (
	"log/slog"
)

// SetupMCPMode initializes logging for the MCP stdio bridge. Stdout
// carries JSON-RPC frames and stderr writes confuse some MCP clients,
// so everything goes to the log file only, at debug level since the
// file is the sole trace of a bridge session.
func SetupMCPMode() (func(), error) {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.WriteToStderr = false

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)

	slog.Info("mcp bridge logging initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
