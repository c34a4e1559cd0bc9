package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/agentree/internal/config"
	"github.com/mmr-tortoise/agentree/internal/model"
	"github.com/mmr-tortoise/agentree/internal/port"
	"github.com/mmr-tortoise/agentree/internal/registry"
	"github.com/mmr-tortoise/agentree/internal/review"
)

// fakeVCS simulates git by creating and removing directories.
type fakeVCS struct {
	repoRoot      string
	currentBranch string
	addErr        error
	// addOccupiesPath makes a failing AddWorktree leave the target
	// directory behind, the way a concurrent winner would.
	addOccupiesPath bool
	removed         []string
	prunedCount     int
	deletedBranch   string
}

func (f *fakeVCS) RepoRoot(ctx context.Context, path string) (string, error) {
	return f.repoRoot, nil
}

func (f *fakeVCS) CurrentBranch(ctx context.Context, path string) (string, error) {
	return f.currentBranch, nil
}

func (f *fakeVCS) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}

func (f *fakeVCS) BranchExists(ctx context.Context, repoPath, branch string) bool { return false }

func (f *fakeVCS) AddWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	if f.addErr != nil {
		if f.addOccupiesPath {
			_ = os.MkdirAll(worktreePath, 0o755)
		}
		return f.addErr
	}
	return os.MkdirAll(worktreePath, 0o755)
}

func (f *fakeVCS) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.removed = append(f.removed, worktreePath)
	return os.RemoveAll(worktreePath)
}

func (f *fakeVCS) PruneWorktrees(ctx context.Context, repoPath string) error {
	f.prunedCount++
	return nil
}

func (f *fakeVCS) DeleteBranch(ctx context.Context, repoPath, branch string, remote bool) error {
	f.deletedBranch = branch
	return nil
}

func (f *fakeVCS) IsWorktree(path string) bool { return true }

// fakeReview serves canned review states per branch; unknown branches
// have no review.
type fakeReview struct {
	states map[string]review.State
}

func (f *fakeReview) BranchStatus(ctx context.Context, repoPath, branch string) (review.Status, error) {
	if s, ok := f.states[branch]; ok {
		return review.Status{State: s, Number: 1}, nil
	}
	return review.Status{State: review.StateNone}, nil
}

// fakeBootstrap fails creation setup on demand. cancel, when set, is
// invoked before returning so tests can abort the surrounding context
// mid-create.
type fakeBootstrap struct {
	err    error
	calls  int
	cancel context.CancelFunc
}

func (f *fakeBootstrap) Prepare(ctx context.Context, repoPath, worktreePath string, pf *config.ProjectFile) error {
	f.calls++
	if f.cancel != nil {
		f.cancel()
	}
	return f.err
}

// fakeReclaimer records which ports were reclaimed.
type fakeReclaimer struct {
	reclaimed []int
}

func (f *fakeReclaimer) Reclaim(ctx context.Context, ports []int) error {
	f.reclaimed = append(f.reclaimed, ports...)
	return nil
}

type freeProbe struct{}

func (freeProbe) IsPortFree(int) bool { return true }

type fixture struct {
	manager   *Manager
	store     *registry.Store
	vcs       *fakeVCS
	review    *fakeReview
	bootstrap *fakeBootstrap
	reclaimer *fakeReclaimer
	repoRoot  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	repoRoot := filepath.Join(base, "app")
	require.NoError(t, os.MkdirAll(repoRoot, 0o755))

	cfg := config.Default()
	cfg.RegistryPath = filepath.Join(base, "registry.json")
	cfg.WorktreeRoot = filepath.Join(base, "worktrees")
	cfg.PortRangeStart = 4001
	cfg.PortRangeEnd = 4010

	store := registry.NewStore(cfg.RegistryPath, cfg.PortRangeStart, cfg.PortRangeEnd, slog.Default())
	allocator := port.NewAllocator(store, freeProbe{})
	fv := &fakeVCS{repoRoot: repoRoot, currentBranch: "feature-x"}
	fr := &fakeReclaimer{}
	frev := &fakeReview{states: map[string]review.State{}}
	fb := &fakeBootstrap{}

	return &fixture{
		manager:   NewManager(store, allocator, fv, frev, fr, fb, cfg, slog.Default()),
		store:     store,
		vcs:       fv,
		review:    frev,
		bootstrap: fb,
		reclaimer: fr,
		repoRoot:  repoRoot,
	}
}

// TestCreate_FirstWorkspace verifies the first workspace gets the two
// lowest ports and a registered no-review entry.
func TestCreate_FirstWorkspace(t *testing.T) {
	fx := newFixture(t)

	entry, err := fx.manager.Create(context.Background(), CreateOptions{
		Dir:    fx.repoRoot,
		Branch: "feature-x",
		Task:   "try the new parser",
	})
	require.NoError(t, err)

	assert.Equal(t, "app", entry.Project)
	assert.Equal(t, []int{4001, 4002}, entry.Ports)
	assert.Equal(t, model.StatusNoReview, entry.Status)
	assert.Equal(t, "try the new parser", entry.TaskDescription)
	assert.DirExists(t, entry.WorktreePath)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	require.Len(t, doc.Worktrees, 1)
	assert.Equal(t, []int{4001, 4002}, doc.PortPool.Allocated)
}

// TestCreate_DuplicateBranchConflicts verifies a second create for the
// same (project, branch) fails with a conflict and changes nothing.
func TestCreate_DuplicateBranchConflicts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)

	_, err = fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.ErrorIs(t, err, model.ErrConflict)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Worktrees, 1)
	assert.Len(t, doc.PortPool.Allocated, 2)
}

// TestCreate_RollbackOnWorktreeFailure verifies a failed checkout
// returns the reserved ports and leaves no entry behind.
func TestCreate_RollbackOnWorktreeFailure(t *testing.T) {
	fx := newFixture(t)
	fx.vcs.addErr = errors.New("fatal: branch is already checked out")

	_, err := fx.manager.Create(context.Background(), CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.Error(t, err)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated)
	assert.Len(t, doc.PortPool.Available, 10)
}

// TestCreate_RollbackSurvivesCancellation verifies an interrupted
// create still unwinds the checkout and the reserved ports.
func TestCreate_RollbackSurvivesCancellation(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.bootstrap.cancel = cancel
	fx.bootstrap.err = errors.New("setup interrupted")

	_, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.Error(t, err)

	require.Len(t, fx.vcs.removed, 1)
	assert.NoDirExists(t, fx.vcs.removed[0])

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated)
	assert.Len(t, doc.PortPool.Available, 10)

	// The retry must not hit a leftover checkout.
	fx.bootstrap.err = nil
	fx.bootstrap.cancel = nil
	_, err = fx.manager.Create(context.Background(), CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)
}

// TestCreate_LostRaceReportsConflict verifies that when another create
// claims the path between the pre-check and the checkout, the loser
// surfaces a conflict rather than a checkout failure.
func TestCreate_LostRaceReportsConflict(t *testing.T) {
	fx := newFixture(t)
	fx.vcs.addErr = errors.New("fatal: '" + fx.repoRoot + "-feature-x' already exists")
	fx.vcs.addOccupiesPath = true

	_, err := fx.manager.Create(context.Background(), CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.ErrorIs(t, err, model.ErrConflict)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated, "loser must return its ports")
}

// TestCreate_InvalidBranch rejects unusable branch names up front.
func TestCreate_InvalidBranch(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.manager.Create(context.Background(), CreateOptions{Dir: fx.repoRoot, Branch: "bad branch"})
	require.Error(t, err)
}

// TestTeardown_FullPipeline verifies teardown reclaims ports, removes
// the checkout, and deregisters the entry in one pass.
func TestTeardown_FullPipeline(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	entry, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)

	report := fx.manager.Teardown(ctx, *entry, TeardownOptions{DeleteBranch: true})
	assert.False(t, report.Failed())

	assert.Equal(t, []int{4001, 4002}, fx.reclaimer.reclaimed)
	assert.NoDirExists(t, entry.WorktreePath)
	assert.Equal(t, "feature-x", fx.vcs.deletedBranch)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated)
}

// TestTeardown_Rerunnable verifies running teardown twice succeeds; the
// second run finds everything already gone.
func TestTeardown_Rerunnable(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	entry, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)

	first := fx.manager.Teardown(ctx, *entry, TeardownOptions{})
	assert.False(t, first.Failed())
	second := fx.manager.Teardown(ctx, *entry, TeardownOptions{})
	assert.False(t, second.Failed())

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Len(t, doc.PortPool.Available, 10)
}

// TestResolve_CurrentBranch verifies an empty branch argument resolves
// through the checked-out branch.
func TestResolve_CurrentBranch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	created, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)

	entry, err := fx.manager.Resolve(ctx, fx.repoRoot, "")
	require.NoError(t, err)
	assert.Equal(t, created.Key(), entry.Key())
}

// TestResolve_NotRegistered verifies unregistered branches fail closed.
func TestResolve_NotRegistered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)

	_, err = fx.manager.Resolve(ctx, fx.repoRoot, "never-created")
	require.ErrorIs(t, err, model.ErrNotFound)
}

// TestCleanupMerged verifies the sweep tears down merged workspaces and
// leaves active ones untouched.
func TestCleanupMerged(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	merged, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "done"})
	require.NoError(t, err)
	active, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "in-flight"})
	require.NoError(t, err)

	_, err = fx.store.AtomicUpdate(ctx, func(doc *model.Document) error {
		doc.Worktrees[doc.Find(merged.Project, merged.Branch)].Status = model.StatusMerged
		doc.Worktrees[doc.Find(active.Project, active.Branch)].Status = model.StatusActive
		return nil
	})
	require.NoError(t, err)

	result, err := fx.manager.CleanupMerged(ctx, TeardownOptions{})
	require.NoError(t, err)
	require.Len(t, result.Cleaned, 1)
	assert.Equal(t, merged.Key(), result.Cleaned[0].Entry.Key())
	assert.Equal(t, 1, result.Skipped)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	require.Len(t, doc.Worktrees, 1)
	assert.Equal(t, active.Key(), doc.Worktrees[0].Key())
	assert.Equal(t, active.Ports, doc.PortPool.Allocated)
}

// TestCleanupMerged_ChecksReviewProvider verifies the sweep catches a
// workspace whose registry status is stale but whose review was merged.
func TestCleanupMerged_ChecksReviewProvider(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	entry, err := fx.manager.Create(ctx, CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.NoError(t, err)
	require.Equal(t, model.StatusNoReview, entry.Status)
	fx.review.states["feature-x"] = review.StateMerged

	result, err := fx.manager.CleanupMerged(ctx, TeardownOptions{})
	require.NoError(t, err)
	require.Len(t, result.Cleaned, 1)

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated)
}

// TestCreate_RollbackOnSetupFailure verifies a failed bootstrap unwinds
// the worktree and ports and commits no entry.
func TestCreate_RollbackOnSetupFailure(t *testing.T) {
	fx := newFixture(t)
	fx.bootstrap.err = errors.New("npm ci: exit status 1")

	_, err := fx.manager.Create(context.Background(), CreateOptions{Dir: fx.repoRoot, Branch: "feature-x"})
	require.ErrorIs(t, err, model.ErrExternalFailure)
	assert.Equal(t, 1, fx.bootstrap.calls)
	assert.NotEmpty(t, fx.vcs.removed, "worktree must be rolled back")

	doc, err := fx.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Worktrees)
	assert.Empty(t, doc.PortPool.Allocated)
}

// TestCreate_SkipSetup verifies --no-setup bypasses the bootstrapper.
func TestCreate_SkipSetup(t *testing.T) {
	fx := newFixture(t)
	fx.bootstrap.err = errors.New("would fail if called")

	_, err := fx.manager.Create(context.Background(), CreateOptions{
		Dir: fx.repoRoot, Branch: "feature-x", SkipSetup: true,
	})
	require.NoError(t, err)
	assert.Zero(t, fx.bootstrap.calls)
}
