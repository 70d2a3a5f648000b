package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "detect", "detect-video", "history", "stats", "migrate"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "deepfake-detector", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestDetectVideoCommand_Flags(t *testing.T) {
	for _, name := range []string{"frames-dir", "json"} {
		assert.NotNil(t, detectVideoCmd.Flags().Lookup(name), "detect-video should have --%s flag", name)
	}
}

func TestHistoryCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range historyCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"list", "export", "search", "show", "similar", "delete"} {
		assert.True(t, names[name], "history should have subcommand %q", name)
	}
}

func TestHistoryListCommand_Flags(t *testing.T) {
	flag := historyListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)

	flag = historyListCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
}

func TestDetectVideoCommand_RequiresOneSource(t *testing.T) {
	err := detectVideoCmd.RunE(detectVideoCmd, nil)
	assert.ErrorContains(t, err, "either a video file or --frames-dir")
}
