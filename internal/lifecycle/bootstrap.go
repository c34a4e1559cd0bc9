package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/agentree/internal/config"
)

// Bootstrapper prepares a freshly created workspace: copies over local
// files the checkout does not carry and runs setup commands.
type Bootstrapper interface {
	Prepare(ctx context.Context, repoPath, worktreePath string, pf *config.ProjectFile) error
}

// ShellBootstrapper runs setup commands through the shell inside the
// workspace directory.
type ShellBootstrapper struct {
	logger *slog.Logger
}

// NewShellBootstrapper creates the production bootstrapper.
func NewShellBootstrapper(logger *slog.Logger) *ShellBootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellBootstrapper{logger: logger}
}

// Prepare copies the project file's listed files from the source
// repository, then runs the configured setup commands. Without explicit
// commands, common ones are detected from the project files present.
// Command failures abort with the first error; copy entries pointing at
// missing files are skipped, since untracked files like .env may simply
// not exist on this machine.
func (b *ShellBootstrapper) Prepare(ctx context.Context, repoPath, worktreePath string, pf *config.ProjectFile) error {
	for _, rel := range pf.Copy {
		if err := copyWorkspaceFile(repoPath, worktreePath, rel); err != nil {
			return err
		}
	}

	cmds := pf.Setup
	if len(cmds) == 0 {
		cmds = detectSetupCommands(worktreePath)
	}
	for _, cmdStr := range cmds {
		b.logger.Info("running setup command", "cmd", cmdStr, "dir", worktreePath)
		// sh -c so that commands with pipes or env assignments work.
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
		cmd.Dir = worktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("setup command %q: %w\n%s", cmdStr, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// copyWorkspaceFile copies one repository-relative file into the
// workspace, creating intermediate directories. Missing sources are
// skipped; path escapes are rejected.
func copyWorkspaceFile(repoPath, worktreePath, rel string) error {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("copy entry %q escapes the repository", rel)
	}

	src := filepath.Join(repoPath, clean)
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("copy entry %q is a directory, only files are supported", rel)
	}

	dst := filepath.Join(worktreePath, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return out.Close()
}

// detectSetupCommands examines the workspace for common project files
// and returns the matching dependency-install commands.
func detectSetupCommands(dir string) []string {
	var cmds []string

	if fileExists(filepath.Join(dir, "go.mod")) {
		cmds = append(cmds, "go mod download")
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		switch {
		case fileExists(filepath.Join(dir, "yarn.lock")):
			cmds = append(cmds, "yarn install --frozen-lockfile")
		case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
			cmds = append(cmds, "pnpm install --frozen-lockfile")
		default:
			cmds = append(cmds, "npm ci")
		}
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		cmds = append(cmds, "pip install -r requirements.txt")
	}
	if fileExists(filepath.Join(dir, "Gemfile")) {
		cmds = append(cmds, "bundle install")
	}

	return cmds
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
