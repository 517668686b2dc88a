// Package ui renders daemon status for the CLI. Output is styled with
// lipgloss when stdout is a terminal and falls back to plain text for
// pipes and redirects.
package ui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}

	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return false
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// UseColor decides whether styled output should go to w. Color is used
// only for real terminals and honors NO_COLOR.
func UseColor(w io.Writer) bool {
	return IsTTY(w) && !DetectNoColor()
}
