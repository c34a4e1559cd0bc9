package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mmr-tortoise/agentree/internal/model"
)

const (
	// lockRetryInterval is the pause between attempts to acquire the
	// registry lock when another invocation holds it.
	lockRetryInterval = 50 * time.Millisecond

	// lockAcquireTimeout bounds how long an invocation waits for the
	// lock before giving up. Registry critical sections are tiny (one
	// read-compute-write of a small JSON file), so a healthy holder
	// releases well within this window.
	lockAcquireTimeout = 5 * time.Second

	// documentMode is the permission mode of the registry document.
	documentMode = 0o644
)

// Store provides atomic read-modify-write access to the registry
// document at a fixed path. It is safe for use by overlapping
// invocations from independent processes.
type Store struct {
	path       string
	rangeStart int
	rangeEnd   int
	logger     *slog.Logger
}

// NewStore creates a Store for the document at path. The port range
// bounds are needed to initialize the pool on first use and to validate
// invariants after every transform.
func NewStore(path string, rangeStart, rangeEnd int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, rangeStart: rangeStart, rangeEnd: rangeEnd, logger: logger}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and decodes the registry document.
//
// Returns model.ErrNotFound when no document exists yet, and
// model.ErrCorruptState when the document cannot be decoded. Load never
// creates the document; creation happens lazily on the first
// AtomicUpdate.
func (s *Store) Load() (*model.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("registry %s: %w", s.path, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", s.path, err)
	}
	return s.decode(data)
}

// AtomicUpdate applies transform to the current document and persists
// the result. The whole read-compute-write span runs under an exclusive
// advisory lock; the new document is written to a temporary file and
// moved into place with an atomic rename.
//
// When no document exists yet, transform receives a fresh document with
// the full port range available. After transform returns, the registry
// invariants are validated; a violation aborts the commit and surfaces
// as an error. A transform returning an error leaves the document
// untouched.
//
// The supplied context bounds only lock acquisition. Callers must not
// perform slow external work inside transform: the critical section is
// meant to wrap document mutation alone, so that unrelated invocations
// are not serialized behind external collaborators.
func (s *Store) AtomicUpdate(ctx context.Context, transform func(*model.Document) error) (*model.Document, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.Load()
	if errors.Is(err, model.ErrNotFound) {
		doc = model.NewDocument(s.rangeStart, s.rangeEnd)
	} else if err != nil {
		return nil, err
	}

	if err := transform(doc); err != nil {
		return nil, err
	}

	if err := doc.Validate(s.rangeStart, s.rangeEnd); err != nil {
		return nil, fmt.Errorf("refusing to commit: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	// Write-then-rename keeps the previous document intact until the
	// new one is fully on disk.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, documentMode); err != nil {
		return nil, fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return nil, fmt.Errorf("replace registry: %w", err)
	}

	return doc, nil
}

// Insert adds a new entry, failing with model.ErrConflict when the
// (project, branch) identity or the worktree path is already present.
func (s *Store) Insert(ctx context.Context, entry model.WorktreeEntry) error {
	_, err := s.AtomicUpdate(ctx, func(doc *model.Document) error {
		if doc.Find(entry.Project, entry.Branch) >= 0 {
			return fmt.Errorf("workspace %s already registered: %w", entry.Key(), model.ErrConflict)
		}
		if doc.FindByPath(entry.WorktreePath) >= 0 {
			return fmt.Errorf("path %s already registered: %w", entry.WorktreePath, model.ErrConflict)
		}
		doc.Worktrees = append(doc.Worktrees, entry)
		return nil
	})
	return err
}

// Remove deletes all entries matching pred and returns them. Removing
// from an absent registry or matching nothing is not an error; the
// returned slice is simply empty.
func (s *Store) Remove(ctx context.Context, pred func(*model.WorktreeEntry) bool) ([]model.WorktreeEntry, error) {
	var removed []model.WorktreeEntry
	_, err := s.AtomicUpdate(ctx, func(doc *model.Document) error {
		kept := doc.Worktrees[:0]
		for i := range doc.Worktrees {
			if pred(&doc.Worktrees[i]) {
				removed = append(removed, doc.Worktrees[i])
			} else {
				kept = append(kept, doc.Worktrees[i])
			}
		}
		doc.Worktrees = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Query returns the entries matching pred, in registry order. An absent
// registry yields an empty result, not an error.
func (s *Store) Query(pred func(*model.WorktreeEntry) bool) ([]model.WorktreeEntry, error) {
	doc, err := s.Load()
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []model.WorktreeEntry
	for i := range doc.Worktrees {
		if pred(&doc.Worktrees[i]) {
			out = append(out, doc.Worktrees[i])
		}
	}
	return out, nil
}

// decode unmarshals document bytes, classifying any failure as fatal
// corrupt state.
func (s *Store) decode(data []byte) (*model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry %s is unreadable (%v): %w", s.path, err, model.ErrCorruptState)
	}
	return &doc, nil
}

// acquireLock takes the advisory lock file next to the document. The
// lock is an O_CREATE|O_EXCL file holding the owner's PID; acquisition
// retries with a short interval until the context is done or the
// timeout elapses. A lock whose owner process no longer exists is
// considered stale and taken over, so a crashed invocation cannot wedge
// the registry.
func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(lockAcquireTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create registry lock: %w", err)
		}

		if s.reclaimStaleLock(lockPath) {
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("registry lock %s held too long by another invocation", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for registry lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// reclaimStaleLock removes the lock file when its recorded owner is no
// longer running. Returns true when the lock was removed and acquisition
// should be retried immediately.
func (s *Store) reclaimStaleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Lock vanished between the failed create and this read.
		return errors.Is(err, os.ErrNotExist)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if processAlive(pid) {
		return false
	}
	s.logger.Warn("removing stale registry lock", "path", lockPath, "pid", pid)
	return os.Remove(lockPath) == nil
}

// processAlive reports whether a process with the given PID exists.
// Signal 0 performs the existence check without delivering a signal;
// EPERM means the process exists but belongs to another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
