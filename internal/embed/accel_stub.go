//go:build !(darwin || linux || freebsd)

package embed

import (
	"log/slog"

	"github.com/folder-mcp/folderd/internal/errors"
)

// The native loader needs dlopen, which purego only provides on darwin,
// linux, and freebsd. Elsewhere CPU models run through the helper process.

func DefaultAccelLibrary() string {
	return ""
}

func AccelAvailable(libPath string) bool {
	return false
}

type AccelConfig struct {
	Library   string
	Model     ModelInfo
	ModelPath string
	Logger    *slog.Logger
}

func NewAccelEmbedder(cfg AccelConfig) (Embedder, error) {
	return nil, errors.New(errors.ErrCodeModelUnavailable,
		"native embedding library is not supported on this platform", nil)
}
