package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command against a scratch registry and
// returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENTREE_REGISTRY", filepath.Join(dir, "registry.json"))
	t.Setenv("AGENTREE_CONFIG", filepath.Join(dir, "no-config.yaml"))

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// runCLISeeded is like runCLI but writes the given registry document
// before executing, so commands see existing workspaces.
func runCLISeeded(t *testing.T, registryJSON string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	registryPath := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(registryPath, []byte(registryJSON), 0o644))
	t.Setenv("AGENTREE_REGISTRY", registryPath)
	t.Setenv("AGENTREE_CONFIG", filepath.Join(dir, "no-config.yaml"))

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

const twoWorkspaceRegistry = `{
  "worktrees": [
    {
      "project": "api",
      "branch": "feat/login",
      "branchSlug": "feat-login",
      "worktreePath": "/tmp/api-feat-login",
      "repoPath": "/tmp/api",
      "ports": [4001, 4002],
      "status": "merged",
      "createdAt": "2026-08-01T00:00:00Z"
    },
    {
      "project": "api",
      "branch": "feat/search",
      "branchSlug": "feat-search",
      "worktreePath": "/tmp/api-feat-search",
      "repoPath": "/tmp/api",
      "ports": [4003, 4004],
      "status": "active",
      "createdAt": "2026-08-02T00:00:00Z"
    }
  ],
  "portPool": {
    "available": [4005, 4006],
    "allocated": [4001, 4002, 4003, 4004]
  }
}`

// TestList_EmptyRegistry verifies listing before any workspace exists
// succeeds with a friendly message.
func TestList_EmptyRegistry(t *testing.T) {
	out, err := runCLI(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No workspaces registered")
}

// TestList_JSONEmpty verifies --json mode emits a JSON array.
func TestList_JSONEmpty(t *testing.T) {
	out, err := runCLI(t, "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, "[]")
}

// TestList_StatusFilter verifies --status limits output to matching
// workspaces.
func TestList_StatusFilter(t *testing.T) {
	out, err := runCLISeeded(t, twoWorkspaceRegistry, "list", "--status", "merged")
	require.NoError(t, err)
	assert.Contains(t, out, "feat/login")
	assert.NotContains(t, out, "feat/search")
}

// TestList_StatusFilterNoMatches verifies an empty filter result prints
// the no-workspaces message rather than an empty table.
func TestList_StatusFilterNoMatches(t *testing.T) {
	out, err := runCLISeeded(t, twoWorkspaceRegistry, "list", "--status", "orphaned")
	require.NoError(t, err)
	assert.Contains(t, out, "No workspaces registered")
}

// TestList_StatusFilterInvalid verifies an unknown status is rejected.
func TestList_StatusFilterInvalid(t *testing.T) {
	_, err := runCLISeeded(t, twoWorkspaceRegistry, "list", "--status", "pending")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid review status")
}

// TestSync_EmptyRegistry verifies sync on an empty registry reports
// zero workspaces without error.
func TestSync_EmptyRegistry(t *testing.T) {
	out, err := runCLI(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 0 workspaces")
}

// TestCreate_RequiresBranchArgument verifies argument validation.
func TestCreate_RequiresBranchArgument(t *testing.T) {
	_, err := runCLI(t, "create")
	require.Error(t, err)
}

// TestFormatPorts covers the port list rendering.
func TestFormatPorts(t *testing.T) {
	assert.Equal(t, "4001, 4002", formatPorts([]int{4001, 4002}))
	assert.Equal(t, "", formatPorts(nil))
}
