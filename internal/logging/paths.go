package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir overrides the daemon state directory when set.
const EnvConfigDir = "FOLDER_MCP_USER_CONFIG_DIR"

// StateDir returns the daemon state directory (~/.folder-mcp by default).
// The FOLDER_MCP_USER_CONFIG_DIR environment variable overrides it.
// Falls back to the temp directory if the home directory is unavailable.
func StateDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".folder-mcp")
	}
	return filepath.Join(home, ".folder-mcp")
}

// DefaultLogDir returns the default log directory under the state directory.
func DefaultLogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// DefaultLogPath returns the default daemon log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "daemon.log")
}

// FindLogFile attempts to find the log file for viewing.
// Priority:
// 1. Explicit path (if provided)
// 2. <state>/logs/daemon.log
//
// Returns an error if no log file is found.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	globalPath := DefaultLogPath()
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", fmt.Errorf("no log file found. Daemon may not have run yet.\nExpected at: %s", globalPath)
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	return os.MkdirAll(DefaultLogDir(), 0o755)
}
