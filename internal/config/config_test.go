package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies built-in defaults apply when no config file
// exists.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AGENTREE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("AGENTREE_REGISTRY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPortRangeStart, cfg.PortRangeStart)
	assert.Equal(t, DefaultPortRangeEnd, cfg.PortRangeEnd)
	assert.Equal(t, DefaultPortsPerWorktree, cfg.PortsPerWorktree)
	assert.Contains(t, cfg.RegistryPath, "registry.json")
	assert.Equal(t, "gh", cfg.GHPath)
}

// TestLoad_FileOverrides verifies config file values merge over defaults
// and the AGENTREE_REGISTRY variable wins over both.
func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"portRangeStart: 5001\nportRangeEnd: 5050\nportsPerWorktree: 3\nregistry: /tmp/reg.json\n",
	), 0o644))

	t.Setenv("AGENTREE_CONFIG", path)
	t.Setenv("AGENTREE_REGISTRY", "/tmp/other.json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5001, cfg.PortRangeStart)
	assert.Equal(t, 5050, cfg.PortRangeEnd)
	assert.Equal(t, 3, cfg.PortsPerWorktree)
	assert.Equal(t, "/tmp/other.json", cfg.RegistryPath)
}

// TestLoad_InvalidRange verifies nonsensical port ranges are rejected.
func TestLoad_InvalidRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portRangeStart: 5050\nportRangeEnd: 5001\n"), 0o644))

	t.Setenv("AGENTREE_CONFIG", path)
	t.Setenv("AGENTREE_REGISTRY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "before start")
}

// TestWorktreePathFor verifies sibling-directory derivation and the
// WorktreeRoot override.
func TestWorktreePathFor(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/home/dev", "acme-feat-x"),
		cfg.WorktreePathFor("/home/dev/acme", "feat-x"))

	cfg.WorktreeRoot = "/ws"
	assert.Equal(t, filepath.Join("/ws", "acme-feat-x"),
		cfg.WorktreePathFor("/home/dev/acme", "feat-x"))
}

// TestLoadProjectFile verifies JSONC parsing, the missing-file default,
// and malformed-file rejection.
func TestLoadProjectFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		pf, err := LoadProjectFile(t.TempDir())
		require.NoError(t, err)
		assert.Zero(t, pf.Ports)
		assert.Empty(t, pf.Setup)
	})

	t.Run("jsonc with comments", func(t *testing.T) {
		dir := t.TempDir()
		content := `{
  // three dev servers per workspace
  "ports": 3,
  "base": "develop",
  "setup": ["npm ci"],
  "copy": [".env", ".env.local"],
}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(content), 0o644))

		pf, err := LoadProjectFile(dir)
		require.NoError(t, err)
		assert.Equal(t, 3, pf.Ports)
		assert.Equal(t, "develop", pf.Base)
		assert.Equal(t, []string{"npm ci"}, pf.Setup)
		assert.Equal(t, []string{".env", ".env.local"}, pf.Copy)
	})

	t.Run("malformed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFileName), []byte("{not json"), 0o644))

		_, err := LoadProjectFile(dir)
		assert.Error(t, err)
	})
}
