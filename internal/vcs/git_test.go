package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRepo initializes a git repository with one commit. Worktree
// and branch operations need at least one commit to point at; the local
// user config keeps `git commit` working in CI without global config.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runTestGit(t, dir, "init")
	runTestGit(t, dir, "config", "user.email", "test@example.com")
	runTestGit(t, dir, "config", "user.name", "Test User")

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# Test Repo\n"), 0o644))
	runTestGit(t, dir, "add", ".")
	runTestGit(t, dir, "commit", "-m", "initial commit")

	return dir
}

func runTestGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
	return string(output)
}

// TestIsWorktree_GitFileWithGitdir verifies a .git file with a gitdir
// pointer is recognized as a linked worktree.
func TestIsWorktree_GitFileWithGitdir(t *testing.T) {
	dir := t.TempDir()
	gitFile := filepath.Join(dir, ".git")
	require.NoError(t, os.WriteFile(gitFile, []byte("gitdir: /repo/.git/worktrees/feature\n"), 0o644))

	g := NewGit()
	assert.True(t, g.IsWorktree(dir))
}

// TestIsWorktree_GitDirectory verifies a main checkout (.git directory)
// is not reported as a worktree.
func TestIsWorktree_GitDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	g := NewGit()
	assert.False(t, g.IsWorktree(dir))
}

// TestIsWorktree_NoGit verifies a plain directory is not a worktree.
func TestIsWorktree_NoGit(t *testing.T) {
	g := NewGit()
	assert.False(t, g.IsWorktree(t.TempDir()))
}

// TestIsWorktree_GitFileWithoutGitdir verifies a .git file lacking the
// gitdir pointer is rejected.
func TestIsWorktree_GitFileWithoutGitdir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("not a pointer"), 0o644))

	g := NewGit()
	assert.False(t, g.IsWorktree(dir))
}

// TestDeleteBranch_Rerunnable verifies deleting a branch twice succeeds:
// the second call finds the branch already gone and does nothing, so a
// re-run of a partially failed teardown does not error.
func TestDeleteBranch_Rerunnable(t *testing.T) {
	repo := setupTestRepo(t)
	runTestGit(t, repo, "branch", "doomed")

	g := NewGit()
	ctx := context.Background()
	require.True(t, g.BranchExists(ctx, repo, "doomed"))

	require.NoError(t, g.DeleteBranch(ctx, repo, "doomed", false))
	assert.False(t, g.BranchExists(ctx, repo, "doomed"))

	require.NoError(t, g.DeleteBranch(ctx, repo, "doomed", false))
}

// TestAddWorktree_NewBranch verifies a worktree is created on a fresh
// branch and recognized by IsWorktree.
func TestAddWorktree_NewBranch(t *testing.T) {
	repo := setupTestRepo(t)
	g := NewGit()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "app-feature")
	require.NoError(t, g.AddWorktree(ctx, repo, "feature", wtPath, ""))

	assert.True(t, g.BranchExists(ctx, repo, "feature"))
	assert.True(t, g.IsWorktree(wtPath))
	assert.False(t, g.IsWorktree(repo))
}

// TestDefaultBranch_NoRemote verifies the fallback picks the existing
// local branch when no origin remote is configured.
func TestDefaultBranch_NoRemote(t *testing.T) {
	repo := setupTestRepo(t)
	runTestGit(t, repo, "branch", "-M", "main")

	g := NewGit()
	branch, err := g.DefaultBranch(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}
