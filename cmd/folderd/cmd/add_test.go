package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folderd/internal/config"
	"github.com/folder-mcp/folderd/internal/embed"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestAddCmd_ConfigFallback_DefaultModel(t *testing.T) {
	// Given: no daemon running
	writeTestConfig(t, closedPort(t))
	folder := t.TempDir()

	// When: adding a folder
	output, err := execute(t, "add", folder)
	require.NoError(t, err)

	// Then: the folder is persisted with the curated CPU default model
	cfg, err := config.Load()
	require.NoError(t, err)
	entry, ok := cfg.FolderFor(folder)
	require.True(t, ok, "folder must be persisted to config")

	def, err := embed.DefaultModelID(embed.KindCPU)
	require.NoError(t, err)
	assert.Equal(t, def, entry.Model)
	assert.Contains(t, output, "Added")
	assert.Contains(t, output, "when the daemon starts")
}

func TestAddCmd_ConfigFallback_ExplicitModel(t *testing.T) {
	// Given: no daemon running
	writeTestConfig(t, closedPort(t))
	folder := t.TempDir()

	gpu, err := embed.DefaultModelID(embed.KindGPU)
	require.NoError(t, err)

	// When: adding with an explicit model
	_, err = execute(t, "add", folder, "--model", gpu)
	require.NoError(t, err)

	// Then: the entry keeps the chosen model
	cfg, err := config.Load()
	require.NoError(t, err)
	entry, ok := cfg.FolderFor(folder)
	require.True(t, ok)
	assert.Equal(t, gpu, entry.Model)
}

func TestAddCmd_ConfigFallback_UnknownModel(t *testing.T) {
	// Given: no daemon running
	writeTestConfig(t, closedPort(t))
	folder := t.TempDir()

	// When: adding with an unknown model id
	_, err := execute(t, "add", folder, "--model", "no-such-model")

	// Then: the catalog lookup fails and nothing is persisted
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding model")

	cfg, err := config.Load()
	require.NoError(t, err)
	_, ok := cfg.FolderFor(folder)
	assert.False(t, ok)
}

func TestAddCmd_ConfigFallback_MissingFolder(t *testing.T) {
	// Given: no daemon running
	writeTestConfig(t, closedPort(t))
	missing := filepath.Join(t.TempDir(), "nope")

	// When: adding a path that does not exist
	_, err := execute(t, "add", missing)

	// Then: the command refuses
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestAddCmd_ConfigFallback_Duplicate(t *testing.T) {
	// Given: a folder already added
	writeTestConfig(t, closedPort(t))
	folder := t.TempDir()

	_, err := execute(t, "add", folder)
	require.NoError(t, err)

	// When: adding it again
	_, err = execute(t, "add", folder)

	// Then: the duplicate is rejected
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already configured")
}

func TestAddCmd_RequiresPath(t *testing.T) {
	// When: executing add without arguments
	_, err := execute(t, "add")

	// Then: cobra rejects the call
	require.Error(t, err)
}
