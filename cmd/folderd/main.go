// Package main provides the entry point for the folderd CLI.
package main

import (
	"errors"
	"os"

	"github.com/folder-mcp/folderd/cmd/folderd/cmd"
	"github.com/folder-mcp/folderd/internal/daemon"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// A second daemon instance is a distinct condition so service
		// managers can tell it apart from real failures.
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
