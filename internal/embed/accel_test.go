//go:build darwin || linux || freebsd

package embed

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/errors"
)

// systemLibrary returns a shared library that is present on the platform but
// exports none of the embedding symbols.
func systemLibrary(t *testing.T) string {
	t.Helper()
	switch runtime.GOOS {
	case "linux":
		return "libc.so.6"
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "freebsd":
		return "libc.so.7"
	default:
		t.Skipf("no known system library for %s", runtime.GOOS)
		return ""
	}
}

func TestDefaultAccelLibrary_PlatformName(t *testing.T) {
	name := DefaultAccelLibrary()

	assert.True(t, strings.HasPrefix(name, "lib"))
	assert.Contains(t, name, "folderd_embed")
}

func TestAccelAvailable_MissingLibrary(t *testing.T) {
	assert.False(t, AccelAvailable("/nonexistent/libfolderd_embed.so"))
}

func TestAccelAvailable_LibraryWithoutSymbols(t *testing.T) {
	// A real library that loads fine but lacks the embedding exports must
	// not count as available.
	lib := systemLibrary(t)
	assert.False(t, AccelAvailable(lib))
}

func TestNewAccelEmbedder_MissingLibrary_ReportsUnavailable(t *testing.T) {
	// When: I load a library that does not exist
	_, err := NewAccelEmbedder(AccelConfig{
		Library:   "/nonexistent/libfolderd_embed.so",
		Model:     testModel(8),
		ModelPath: "/nonexistent/model.onnx",
	})

	// Then: the error is the unavailable kind that triggers helper fallback
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))
}

func TestNewAccelEmbedder_LibraryWithoutSymbols_ReportsUnavailable(t *testing.T) {
	lib := systemLibrary(t)

	_, err := NewAccelEmbedder(AccelConfig{
		Library:   lib,
		Model:     testModel(8),
		ModelPath: "/nonexistent/model.onnx",
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeModelUnavailable, errors.GetCode(err))
	assert.Contains(t, err.Error(), "does not export")
}
