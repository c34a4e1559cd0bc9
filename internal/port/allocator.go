package port

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmr-tortoise/agentree/internal/model"
	"github.com/mmr-tortoise/agentree/internal/registry"
)

// Probe reports whether a host port is currently free at the OS level.
// *Scanner satisfies this; tests substitute a deterministic fake.
type Probe interface {
	IsPortFree(port int) bool
}

// Allocator hands out and reclaims ports from the registry's bounded
// pool. Every mutation is persisted through the registry store inside a
// single atomic transform, so pool bookkeeping and workspace entries can
// never disagree at a committed state.
type Allocator struct {
	store *registry.Store
	probe Probe
}

// NewAllocator creates an Allocator over the given store. The probe must
// not be nil — live OS verification is what protects the pool from
// drifted bookkeeping.
func NewAllocator(store *registry.Store, probe Probe) *Allocator {
	return &Allocator{store: store, probe: probe}
}

// Allocate reserves n ports and persists the updated pool. Selection is
// lowest-available-first; each candidate must also pass the live OS
// probe. Candidates that fail the probe are skipped but stay in the
// available set — the squatting process may be gone by the next
// allocation.
//
// Returns model.ErrResourceExhausted, without mutating anything, when
// fewer than n ports qualify.
func (a *Allocator) Allocate(ctx context.Context, n int) ([]int, error) {
	var picked []int
	_, err := a.store.AtomicUpdate(ctx, func(doc *model.Document) error {
		var err error
		picked, err = TakeFromPool(&doc.PortPool, n, a.probe.IsPortFree)
		return err
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// Release returns ports to the available set and persists the pool.
// Ports already absent from the allocated set are ignored, so teardown
// can be re-run on partially cleaned state.
func (a *Allocator) Release(ctx context.Context, ports []int) error {
	if len(ports) == 0 {
		return nil
	}
	_, err := a.store.AtomicUpdate(ctx, func(doc *model.Document) error {
		ReleaseToPool(&doc.PortPool, ports)
		return nil
	})
	return err
}

// TakeFromPool moves the n lowest available ports that pass the probe
// into the allocated set, returning them in ascending order. The pool is
// unchanged on error. Exposed so that other registry transforms (the
// lifecycle rollback, fix-mode reconciliation) can manipulate the pool
// inside their own atomic update.
func TakeFromPool(pool *model.PortPool, n int, free func(int) bool) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("port allocation count must be positive, got %d", n)
	}

	picked := make([]int, 0, n)
	for _, p := range pool.Available {
		if !free(p) {
			continue
		}
		picked = append(picked, p)
		if len(picked) == n {
			break
		}
	}
	if len(picked) < n {
		return nil, fmt.Errorf("need %d ports, only %d usable of %d available: %w",
			n, len(picked), len(pool.Available), model.ErrResourceExhausted)
	}

	pool.Available = without(pool.Available, picked)
	pool.Allocated = merge(pool.Allocated, picked)
	return picked, nil
}

// ReleaseToPool moves ports from the allocated set back to available.
// Ports not currently allocated are skipped.
func ReleaseToPool(pool *model.PortPool, ports []int) {
	var returned []int
	for _, p := range ports {
		if model.Contains(pool.Allocated, p) {
			returned = append(returned, p)
		}
	}
	if len(returned) == 0 {
		return
	}
	pool.Allocated = without(pool.Allocated, returned)
	pool.Available = merge(pool.Available, returned)
}

// without returns set minus remove, preserving sorted order.
func without(set, remove []int) []int {
	drop := make(map[int]struct{}, len(remove))
	for _, p := range remove {
		drop[p] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for _, p := range set {
		if _, skip := drop[p]; !skip {
			out = append(out, p)
		}
	}
	return out
}

// merge returns the sorted union of set and add, deduplicated.
func merge(set, add []int) []int {
	out := make([]int, 0, len(set)+len(add))
	out = append(out, set...)
	for _, p := range add {
		if !model.Contains(set, p) {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
