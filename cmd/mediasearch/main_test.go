package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCommand(t *testing.T, root *cobra.Command, path ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := root.Find(path)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	return cmd
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"library", "add"},
		{"library", "remove"},
		{"library", "restore"},
		{"library", "list"},
		{"trash", "empty"},
		{"trash", "empty-all"},
		{"scan"},
		{"proxy"},
		{"video-proxy"},
		{"ai", "start"},
		{"ai", "video"},
		{"asset", "list"},
		{"asset", "clip"},
		{"worker", "list"},
		{"worker", "command"},
		{"maintenance", "run"},
		{"maintenance", "retry-poisoned"},
		{"migrate"},
	} {
		cmd := findCommand(t, root, path...)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestWorkerFlagsRegistered(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"proxy", "video-proxy"} {
		cmd := findCommand(t, root, name)
		for _, flag := range []string{"library", "all", "once", "repair", "heartbeat", "worker-name"} {
			assert.NotNil(t, cmd.Flags().Lookup(flag), "%s --%s", name, flag)
		}
	}
	ai := findCommand(t, root, "ai", "start")
	assert.NotNil(t, ai.Flags().Lookup("analyzer"))
	assert.NotNil(t, ai.Flags().Lookup("mode"))
}

func TestParseWorkerCommand(t *testing.T) {
	for _, name := range []string{"pause", "resume", "shutdown", "forensic_dump"} {
		cmd, err := parseWorkerCommand(name)
		require.NoError(t, err)
		assert.Equal(t, name, string(cmd))
	}
	_, err := parseWorkerCommand("reboot")
	assert.ErrorContains(t, err, "unknown worker command")
}

func TestLibraryListAcceptsIncludeDeleted(t *testing.T) {
	cmd := findCommand(t, newRootCmd(), "library", "list")
	assert.NotNil(t, cmd.Flags().Lookup("include-deleted"))
}
