package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mmr-tortoise/agentree/internal/config"
	"github.com/mmr-tortoise/agentree/internal/model"
	"github.com/mmr-tortoise/agentree/internal/port"
	"github.com/mmr-tortoise/agentree/internal/proc"
	"github.com/mmr-tortoise/agentree/internal/registry"
	"github.com/mmr-tortoise/agentree/internal/review"
	"github.com/mmr-tortoise/agentree/internal/vcs"
)

// Manager coordinates workspace creation and teardown across the
// registry, port pool, version control, and port reclaimer.
type Manager struct {
	store     *registry.Store
	allocator *port.Allocator
	vcs       vcs.Provider
	review    review.Provider
	reclaimer proc.Reclaimer
	bootstrap Bootstrapper
	cfg       *config.Config
	logger    *slog.Logger
}

// NewManager wires a Manager. reclaimer and bootstrap may be nil, which
// disables the corresponding teardown/creation steps; a nil review
// provider limits the merged sweep to statuses the registry already
// records.
func NewManager(store *registry.Store, allocator *port.Allocator, vcsProvider vcs.Provider,
	reviewProvider review.Provider, reclaimer proc.Reclaimer, bootstrap Bootstrapper,
	cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		allocator: allocator,
		vcs:       vcsProvider,
		review:    reviewProvider,
		reclaimer: reclaimer,
		bootstrap: bootstrap,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateOptions parameterizes workspace creation.
type CreateOptions struct {
	// Dir is where the command was invoked; the source repository is
	// resolved from it.
	Dir string

	// Branch is the branch the workspace is bound to.
	Branch string

	// BaseBranch seeds a newly created branch. Empty falls back to the
	// project file's base, then the repository default branch.
	BaseBranch string

	// Task is the optional free-form task description stored on the
	// entry.
	Task string

	// SkipSetup disables bootstrap (file copies and setup commands).
	SkipSetup bool
}

// Create builds a complete workspace: reserves ports, creates the
// worktree, and commits the registry entry. On any failure every
// already-acquired resource is rolled back, so the registry never holds
// a partial workspace.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*model.WorktreeEntry, error) {
	if err := model.ValidateBranch(opts.Branch); err != nil {
		return nil, err
	}

	repoRoot, err := m.vcs.RepoRoot(ctx, opts.Dir)
	if err != nil {
		return nil, err
	}
	pf, err := config.LoadProjectFile(repoRoot)
	if err != nil {
		return nil, err
	}

	project := filepath.Base(repoRoot)
	slug := model.SlugifyBranch(opts.Branch)
	worktreePath := m.cfg.WorktreePathFor(repoRoot, slug)

	// Fast conflict checks before any resource is touched. The insert
	// transform re-checks under the lock, so a racing winner is still
	// detected.
	if err := m.checkConflicts(project, opts.Branch, worktreePath); err != nil {
		return nil, err
	}

	portCount := pf.Ports
	if portCount == 0 {
		portCount = m.cfg.PortsPerWorktree
	}
	ports, err := m.allocator.Allocate(ctx, portCount)
	if err != nil {
		return nil, err
	}

	base := opts.BaseBranch
	if base == "" {
		base = pf.Base
	}
	if base == "" {
		base, err = m.vcs.DefaultBranch(ctx, repoRoot)
		if err != nil {
			m.rollbackPorts(ctx, ports)
			return nil, err
		}
	}

	if err := m.vcs.AddWorktree(ctx, repoRoot, opts.Branch, worktreePath, base); err != nil {
		m.rollbackPorts(ctx, ports)
		// A concurrent create may have won the path or the identity
		// between the pre-check and here; the loser reports a conflict,
		// not a checkout failure.
		if cerr := m.checkConflicts(project, opts.Branch, worktreePath); errors.Is(cerr, model.ErrConflict) {
			return nil, cerr
		}
		return nil, err
	}

	if m.bootstrap != nil && !opts.SkipSetup {
		if err := m.bootstrap.Prepare(ctx, repoRoot, worktreePath, pf); err != nil {
			m.rollbackWorktree(ctx, repoRoot, worktreePath)
			m.rollbackPorts(ctx, ports)
			return nil, fmt.Errorf("workspace setup: %v: %w", err, model.ErrExternalFailure)
		}
	}

	entry := model.WorktreeEntry{
		Project:         project,
		Branch:          opts.Branch,
		BranchSlug:      slug,
		WorktreePath:    worktreePath,
		RepoPath:        repoRoot,
		Ports:           ports,
		Status:          model.StatusNoReview,
		TaskDescription: opts.Task,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, entry); err != nil {
		// Lost a race: undo the worktree and ports before reporting.
		m.rollbackWorktree(ctx, repoRoot, worktreePath)
		m.rollbackPorts(ctx, ports)
		return nil, err
	}

	m.logger.Info("workspace created",
		"project", project, "branch", opts.Branch, "path", worktreePath, "ports", ports)
	return &entry, nil
}

// rollbackWorktree removes a checkout after a failed create, detached
// from the caller's context for the same reason as rollbackPorts.
func (m *Manager) rollbackWorktree(ctx context.Context, repoRoot, worktreePath string) {
	if err := m.vcs.RemoveWorktree(context.WithoutCancel(ctx), repoRoot, worktreePath, true); err != nil {
		m.logger.Warn("rollback worktree removal failed", "path", worktreePath, "error", err)
	}
}

// checkConflicts rejects a create that collides with a registered entry
// or an already-occupied directory.
func (m *Manager) checkConflicts(project, branch, worktreePath string) error {
	doc, err := m.store.Load()
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if doc != nil {
		if doc.Find(project, branch) >= 0 {
			return fmt.Errorf("workspace for %s/%s already exists: %w", project, branch, model.ErrConflict)
		}
		if doc.FindByPath(worktreePath) >= 0 {
			return fmt.Errorf("path %s is already registered: %w", worktreePath, model.ErrConflict)
		}
	}
	if _, err := os.Stat(worktreePath); err == nil {
		return fmt.Errorf("path %s already exists on disk: %w", worktreePath, model.ErrConflict)
	}
	return nil
}

// rollbackPorts returns reserved ports after a failed create. It runs
// detached from the caller's context: a create canceled mid-flight must
// still leave no persisted trace.
func (m *Manager) rollbackPorts(ctx context.Context, ports []int) {
	if err := m.allocator.Release(context.WithoutCancel(ctx), ports); err != nil {
		m.logger.Warn("rollback port release failed", "ports", ports, "error", err)
	}
}

// Resolve finds the registry entry for a branch. With an empty branch
// the current branch of dir is used. Only registered workspaces
// resolve; unregistered directories are never touched.
func (m *Manager) Resolve(ctx context.Context, dir, branch string) (*model.WorktreeEntry, error) {
	doc, err := m.store.Load()
	if err != nil {
		return nil, err
	}

	if branch == "" {
		branch, err = m.vcs.CurrentBranch(ctx, dir)
		if err != nil {
			return nil, err
		}
	}

	// Prefer the exact (project, branch) entry for the repository we
	// are in; fall back to a branch-only match so cleanup works from
	// outside the repository.
	if root, err := m.vcs.RepoRoot(ctx, dir); err == nil {
		if i := doc.Find(filepath.Base(root), branch); i >= 0 {
			return &doc.Worktrees[i], nil
		}
	}
	if i := doc.FindByBranch(branch); i >= 0 {
		return &doc.Worktrees[i], nil
	}
	return nil, fmt.Errorf("no workspace registered for branch %q: %w", branch, model.ErrNotFound)
}

// TeardownOptions parameterizes workspace removal.
type TeardownOptions struct {
	// DeleteBranch also deletes the local branch after the worktree is
	// gone.
	DeleteBranch bool

	// DeleteRemoteBranch additionally deletes the origin-side branch.
	DeleteRemoteBranch bool
}

// StepResult records the outcome of one teardown step.
type StepResult struct {
	Name string
	Err  error
}

// Report is the outcome of a full teardown pipeline.
type Report struct {
	Entry model.WorktreeEntry
	Steps []StepResult
}

// Failed reports whether any step errored.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Teardown dismantles a workspace: frees its ports' holders, removes
// the checkout, deregisters the entry, and optionally deletes the
// branch. Every step runs regardless of earlier failures, and each is a
// no-op when its work is already done, so a failed teardown can simply
// be re-run.
func (m *Manager) Teardown(ctx context.Context, entry model.WorktreeEntry, opts TeardownOptions) *Report {
	report := &Report{Entry: entry}
	step := func(name string, err error) {
		report.Steps = append(report.Steps, StepResult{Name: name, Err: err})
		if err != nil {
			m.logger.Warn("teardown step failed", "step", name, "workspace", entry.Key(), "error", err)
		}
	}

	if m.reclaimer != nil && len(entry.Ports) > 0 {
		step("terminate-processes", m.reclaimer.Reclaim(ctx, entry.Ports))
	}

	step("remove-worktree", m.removeCheckout(ctx, entry))
	step("prune-worktrees", m.vcs.PruneWorktrees(ctx, entry.RepoPath))
	step("deregister", m.deregister(ctx, entry))

	if opts.DeleteBranch {
		step("delete-branch", m.vcs.DeleteBranch(ctx, entry.RepoPath, entry.Branch, opts.DeleteRemoteBranch))
	}

	return report
}

// removeCheckout removes the worktree directory, falling back to a
// plain filesystem delete when git refuses (a half-removed or corrupted
// worktree). An already-absent directory is success.
func (m *Manager) removeCheckout(ctx context.Context, entry model.WorktreeEntry) error {
	if _, err := os.Stat(entry.WorktreePath); os.IsNotExist(err) {
		return nil
	}
	if err := m.vcs.RemoveWorktree(ctx, entry.RepoPath, entry.WorktreePath, true); err != nil {
		if _, statErr := os.Stat(entry.WorktreePath); statErr == nil {
			if rmErr := os.RemoveAll(entry.WorktreePath); rmErr != nil {
				return fmt.Errorf("git removal failed (%v) and filesystem removal failed: %w", err, rmErr)
			}
			m.logger.Warn("worktree removed via filesystem fallback", "path", entry.WorktreePath)
		}
	}
	return nil
}

// deregister removes the entry and returns its ports to the pool in one
// registry transaction. Already-removed entries and already-released
// ports are tolerated.
func (m *Manager) deregister(ctx context.Context, entry model.WorktreeEntry) error {
	_, err := m.store.AtomicUpdate(ctx, func(doc *model.Document) error {
		if i := doc.Find(entry.Project, entry.Branch); i >= 0 {
			doc.Worktrees = append(doc.Worktrees[:i], doc.Worktrees[i+1:]...)
		}
		port.ReleaseToPool(&doc.PortPool, entry.Ports)
		return nil
	})
	return err
}

// SweepResult is the outcome of a merged-workspace sweep.
type SweepResult struct {
	// Cleaned holds the teardown report of each merged workspace.
	Cleaned []*Report

	// Skipped counts entries that were examined and left alone.
	Skipped int
}

// CleanupMerged tears down every workspace whose review was merged.
// Entries whose registry status is stale are re-checked against the
// review provider, so the sweep does not depend on a prior sync.
// Orphaned entries are never swept, and per-workspace failures do not
// stop the sweep.
func (m *Manager) CleanupMerged(ctx context.Context, opts TeardownOptions) (*SweepResult, error) {
	entries, err := m.store.Query(func(*model.WorktreeEntry) bool { return true })
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, entry := range entries {
		if entry.Status == model.StatusOrphaned {
			result.Skipped++
			continue
		}
		merged := entry.Status == model.StatusMerged
		if !merged && m.review != nil {
			status, err := m.review.BranchStatus(ctx, entry.RepoPath, entry.Branch)
			if err != nil {
				m.logger.Warn("review check failed, skipping", "workspace", entry.Key(), "error", err)
				result.Skipped++
				continue
			}
			merged = status.State == review.StateMerged
		}
		if !merged {
			result.Skipped++
			continue
		}
		result.Cleaned = append(result.Cleaned, m.Teardown(ctx, entry, opts))
	}
	return result, nil
}
