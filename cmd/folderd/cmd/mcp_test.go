package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPCmd_RequiresDaemon(t *testing.T) {
	// Given: no daemon at the configured port
	writeTestConfig(t, closedPort(t))

	// When: starting the bridge
	_, err := execute(t, "mcp")

	// Then: it refuses instead of serving dead tools
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no daemon at")
	assert.Contains(t, err.Error(), "folderd daemon")
}

func TestMCPCmd_AddedToRoot(t *testing.T) {
	// Given: the root command
	rootCmd := NewRootCmd()

	// When: looking for the mcp subcommand
	mcpCmd, _, err := rootCmd.Find([]string{"mcp"})

	// Then: it exists and mentions stdio
	require.NoError(t, err)
	assert.Equal(t, "mcp", mcpCmd.Name())
	assert.Contains(t, mcpCmd.Short, "stdio")
}
