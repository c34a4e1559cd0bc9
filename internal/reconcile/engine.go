package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mmr-tortoise/agentree/internal/model"
	"github.com/mmr-tortoise/agentree/internal/port"
	"github.com/mmr-tortoise/agentree/internal/registry"
	"github.com/mmr-tortoise/agentree/internal/review"
	"github.com/mmr-tortoise/agentree/internal/vcs"
)

// Kind classifies a drift finding.
type Kind string

const (
	// KindMissing means the workspace directory no longer exists. Fix
	// mode removes the entry and returns its ports to the pool.
	KindMissing Kind = "missing"

	// KindOrphaned means the directory exists but is not a worktree
	// anymore. Fix mode marks the entry orphaned; it is never deleted
	// automatically.
	KindOrphaned Kind = "orphaned"

	// KindStatusChanged means the review system reports a different
	// state than the registry records.
	KindStatusChanged Kind = "status-changed"

	// KindLeakedPorts means the allocated set holds ports no entry
	// references, left behind by an invocation killed between reserving
	// ports and committing its entry. Fix mode returns them to
	// available.
	KindLeakedPorts Kind = "leaked-ports"
)

// Finding describes one detected divergence and the repair for it.
type Finding struct {
	Key       string
	Kind      Kind
	Detail    string
	NewStatus model.ReviewStatus
	NewReview int
}

// Summary is the result of one sync pass.
type Summary struct {
	// Checked is the number of registry entries examined.
	Checked int

	// Findings lists every divergence, repaired or not depending on
	// fix mode.
	Findings []Finding

	// Per-kind counters derived from Findings. Merged counts entries
	// whose review moved to merged; Updated counts every other status
	// change, so the four counters are disjoint.
	Missing  int
	Merged   int
	Orphaned int
	Updated  int

	// Errors records per-entry probe failures. An entry that cannot be
	// probed is skipped, never repaired on guesswork.
	Errors []string

	// Fixed is true when the findings were applied to the registry.
	Fixed bool
}

// Options parameterizes a sync.
type Options struct {
	// Fix applies repairs instead of only reporting them.
	Fix bool
}

// Engine drives reconciliation between the registry, the filesystem,
// version control, and the review system.
type Engine struct {
	store  *registry.Store
	vcs    vcs.Provider
	review review.Provider
	logger *slog.Logger
}

// NewEngine wires a reconciliation engine.
func NewEngine(store *registry.Store, vcsProvider vcs.Provider, reviewProvider review.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, vcs: vcsProvider, review: reviewProvider, logger: logger}
}

// Sync probes every registered workspace and reports the divergences;
// with Options.Fix the repairs are committed in a single registry
// transaction. Probing happens outside the registry lock, so slow
// review queries never block concurrent commands.
//
// A second sync right after a fixed one finds nothing: every repair is
// written in terms of the observed state, not deltas.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Summary, error) {
	doc, err := e.store.Load()
	if errors.Is(err, model.ErrNotFound) {
		return &Summary{}, nil
	}
	if err != nil {
		return nil, err
	}

	summary := &Summary{Checked: len(doc.Worktrees)}
	for _, entry := range doc.Worktrees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		finding, err := e.probe(ctx, entry)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", entry.Key(), err))
			continue
		}
		if finding != nil {
			summary.Findings = append(summary.Findings, *finding)
		}
	}

	// Allocated ports no entry references were leaked by a crashed
	// invocation; nothing else can ever return them to the pool.
	if leaked := unreferencedPorts(doc); len(leaked) > 0 {
		summary.Findings = append(summary.Findings, Finding{
			Key:    "port-pool",
			Kind:   KindLeakedPorts,
			Detail: fmt.Sprintf("allocated ports %v are not referenced by any entry", leaked),
		})
	}
	summary.count()

	if !opts.Fix || len(summary.Findings) == 0 {
		return summary, nil
	}

	if err := e.apply(ctx, summary.Findings); err != nil {
		return nil, err
	}
	summary.Fixed = true
	return summary, nil
}

// probe examines one entry and returns the finding for it, or nil when
// registry and reality agree.
func (e *Engine) probe(ctx context.Context, entry model.WorktreeEntry) (*Finding, error) {
	if _, err := os.Stat(entry.WorktreePath); os.IsNotExist(err) {
		return &Finding{
			Key:    entry.Key(),
			Kind:   KindMissing,
			Detail: fmt.Sprintf("directory %s no longer exists", entry.WorktreePath),
		}, nil
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", entry.WorktreePath, err)
	}

	if !e.vcs.IsWorktree(entry.WorktreePath) {
		if entry.Status == model.StatusOrphaned {
			return nil, nil
		}
		return &Finding{
			Key:       entry.Key(),
			Kind:      KindOrphaned,
			Detail:    fmt.Sprintf("%s is not a worktree anymore", entry.WorktreePath),
			NewStatus: model.StatusOrphaned,
		}, nil
	}

	status, err := e.review.BranchStatus(ctx, entry.RepoPath, entry.Branch)
	if err != nil {
		return nil, err
	}

	want := review.EntryStatus(status.State)
	if want == entry.Status && (status.Number == 0 || status.Number == entry.ReviewID) {
		return nil, nil
	}
	return &Finding{
		Key:       entry.Key(),
		Kind:      KindStatusChanged,
		Detail:    fmt.Sprintf("review state is %s, registry has %s", want, entry.Status),
		NewStatus: want,
		NewReview: status.Number,
	}, nil
}

// apply commits all findings in one transaction. Entries are re-resolved
// by key inside the transform; ones removed by a concurrent command are
// simply skipped.
func (e *Engine) apply(ctx context.Context, findings []Finding) error {
	_, err := e.store.AtomicUpdate(ctx, func(doc *model.Document) error {
		for _, f := range findings {
			i := indexByKey(doc, f.Key)
			if i < 0 {
				continue
			}
			switch f.Kind {
			case KindMissing:
				entry := doc.Worktrees[i]
				doc.Worktrees = append(doc.Worktrees[:i], doc.Worktrees[i+1:]...)
				port.ReleaseToPool(&doc.PortPool, entry.Ports)
				e.logger.Info("removed entry for missing workspace", "workspace", f.Key, "ports", entry.Ports)
			case KindOrphaned, KindStatusChanged:
				doc.Worktrees[i].Status = f.NewStatus
				if f.NewReview != 0 {
					doc.Worktrees[i].ReviewID = f.NewReview
				}
				e.logger.Info("updated workspace status", "workspace", f.Key, "status", f.NewStatus)
			}
		}
		// Recomputed inside the transaction: the entry removals above
		// may have freed further ports, and entries committed since the
		// probe must keep theirs.
		if leaked := unreferencedPorts(doc); len(leaked) > 0 {
			port.ReleaseToPool(&doc.PortPool, leaked)
			e.logger.Info("released leaked ports", "ports", leaked)
		}
		return nil
	})
	return err
}

// count fills the per-kind counters from the findings.
func (s *Summary) count() {
	for _, f := range s.Findings {
		switch f.Kind {
		case KindMissing:
			s.Missing++
		case KindOrphaned:
			s.Orphaned++
		case KindStatusChanged:
			if f.NewStatus == model.StatusMerged {
				s.Merged++
			} else {
				s.Updated++
			}
		}
	}
}

// unreferencedPorts returns the allocated ports that no entry claims.
func unreferencedPorts(doc *model.Document) []int {
	referenced := make(map[int]bool)
	for i := range doc.Worktrees {
		for _, p := range doc.Worktrees[i].Ports {
			referenced[p] = true
		}
	}
	var leaked []int
	for _, p := range doc.PortPool.Allocated {
		if !referenced[p] {
			leaked = append(leaked, p)
		}
	}
	return leaked
}

func indexByKey(doc *model.Document, key string) int {
	for i := range doc.Worktrees {
		if doc.Worktrees[i].Key() == key {
			return i
		}
	}
	return -1
}
