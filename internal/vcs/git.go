package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/agentree/internal/model"
)

// Provider abstracts the version-control operations the lifecycle and
// reconciliation engines need. *Git is the production implementation;
// tests substitute fakes.
type Provider interface {
	// RepoRoot returns the top-level directory of the working tree
	// containing path.
	RepoRoot(ctx context.Context, path string) (string, error)

	// CurrentBranch returns the branch checked out at path, or "HEAD"
	// when detached.
	CurrentBranch(ctx context.Context, path string) (string, error)

	// DefaultBranch returns the branch the remote HEAD points at,
	// falling back to "main" when the remote is not configured.
	DefaultBranch(ctx context.Context, repoPath string) (string, error)

	// BranchExists reports whether branch resolves to a ref in repoPath.
	BranchExists(ctx context.Context, repoPath, branch string) bool

	// AddWorktree creates a worktree at worktreePath checked out on
	// branch, creating the branch from baseBranch when it does not
	// exist yet. An empty baseBranch means HEAD.
	AddWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error

	// RemoveWorktree removes the worktree at worktreePath. With force,
	// uncommitted changes do not block removal.
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error

	// PruneWorktrees drops stale worktree administrative records.
	PruneWorktrees(ctx context.Context, repoPath string) error

	// DeleteBranch deletes the local branch. With remote, the
	// origin-side branch is deleted too; a missing remote branch is not
	// an error.
	DeleteBranch(ctx context.Context, repoPath, branch string, remote bool) error

	// IsWorktree reports whether path is a linked git worktree, as
	// opposed to a main checkout or a plain directory.
	IsWorktree(path string) bool
}

// Git implements Provider by invoking the git CLI.
type Git struct{}

// NewGit creates the CLI-backed provider.
func NewGit() *Git {
	return &Git{}
}

func (g *Git) RepoRoot(ctx context.Context, path string) (string, error) {
	out, err := runGit(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DefaultBranch asks the remote-tracking HEAD symref. Repositories
// without an origin remote (common for throwaway local repos) fall back
// to whichever of main or master exists.
func (g *Git) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := runGit(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		if g.BranchExists(ctx, repoPath, "main") {
			return "main", nil
		}
		if g.BranchExists(ctx, repoPath, "master") {
			return "master", nil
		}
		return "main", nil
	}
	// Output is "origin/main"; strip the remote prefix.
	ref := strings.TrimSpace(out)
	if _, branch, found := strings.Cut(ref, "/"); found {
		return branch, nil
	}
	return ref, nil
}

func (g *Git) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (g *Git) AddWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	if g.BranchExists(ctx, repoPath, branch) {
		_, err := runGit(ctx, repoPath, "worktree", "add", worktreePath, branch)
		return err
	}

	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := runGit(ctx, repoPath, args...)
	return err
}

func (g *Git) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	_, err := runGit(ctx, repoPath, args...)
	return err
}

func (g *Git) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, err := runGit(ctx, repoPath, "worktree", "prune")
	return err
}

func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string, remote bool) error {
	// A previous partially failed teardown may have deleted the branch
	// already; re-running must not turn that into an error.
	if g.BranchExists(ctx, repoPath, branch) {
		if _, err := runGit(ctx, repoPath, "branch", "-D", branch); err != nil {
			return err
		}
	}
	if !remote {
		return nil
	}
	// The remote branch may already be gone (merged PRs usually delete
	// it); treat that as success.
	if _, err := runGit(ctx, repoPath, "push", "origin", "--delete", branch); err != nil {
		if strings.Contains(err.Error(), "remote ref does not exist") {
			return nil
		}
		return err
	}
	return nil
}

// IsWorktree distinguishes a linked worktree from a main checkout by
// the shape of .git: worktrees carry a .git FILE containing a "gitdir:"
// pointer, while a main checkout has a .git directory.
func (g *Git) IsWorktree(path string) bool {
	gitPath := filepath.Join(path, ".git")

	// Lstat so a symlinked .git is not followed.
	info, err := os.Lstat(gitPath)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// runGit executes git with -C dir and the given arguments, returning
// stdout. Failures are wrapped with model.ErrExternalFailure and carry
// trimmed stderr for diagnostics.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("git %s", strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, s)
		}
		return "", fmt.Errorf("%s: %v: %w", msg, err, model.ErrExternalFailure)
	}
	return stdout.String(), nil
}
