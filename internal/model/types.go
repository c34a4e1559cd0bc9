package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReviewStatus represents the lifecycle state of a workspace entry as
// driven by the external review system. The state transitions are:
//
//	NoReview → Active → {Merged | Closed}
//	any → Orphaned (when the checkout is no longer a recognizable worktree)
type ReviewStatus string

const (
	// StatusNoReview indicates no change proposal exists for the branch yet.
	// Every entry starts in this state.
	StatusNoReview ReviewStatus = "no-review"

	// StatusActive indicates an open change proposal is associated with
	// the entry's branch.
	StatusActive ReviewStatus = "active"

	// StatusMerged indicates the branch's change proposal was merged.
	// Merged entries are candidates for bulk cleanup.
	StatusMerged ReviewStatus = "merged"

	// StatusClosed indicates the change proposal was closed without merging.
	StatusClosed ReviewStatus = "closed"

	// StatusOrphaned indicates the workspace directory exists but is no
	// longer a recognizable version-controlled checkout. Orphaned entries
	// are reported but never removed automatically.
	StatusOrphaned ReviewStatus = "orphaned"
)

// String returns the string representation of ReviewStatus.
func (s ReviewStatus) String() string {
	return string(s)
}

// IsValid checks whether the ReviewStatus value is one of the
// predefined valid states.
func (s ReviewStatus) IsValid() bool {
	switch s {
	case StatusNoReview, StatusActive, StatusMerged, StatusClosed, StatusOrphaned:
		return true
	default:
		return false
	}
}

// ParseReviewStatus converts a string to a ReviewStatus.
// Returns an error if the string does not match any valid status.
func ParseReviewStatus(s string) (ReviewStatus, error) {
	status := ReviewStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid review status: %q (valid: no-review, active, merged, closed, orphaned)", s)
	}
	return status, nil
}

// WorktreeEntry describes one managed workspace: an isolated checkout of
// a branch, the ports reserved for it, and its review state. One entry
// exists per (project, branch) pair.
type WorktreeEntry struct {
	// Project is the identifier derived from the source repository,
	// normally the repository directory name.
	Project string `json:"project"`

	// Branch is the Git branch name bound to this workspace.
	Branch string `json:"branch"`

	// BranchSlug is the filesystem-safe form of Branch, used in the
	// workspace directory name.
	BranchSlug string `json:"branchSlug"`

	// WorktreePath is the absolute path to the isolated checkout.
	WorktreePath string `json:"worktreePath"`

	// RepoPath is the absolute path to the origin repository the
	// workspace was created from.
	RepoPath string `json:"repoPath"`

	// Ports are the host ports reserved for this workspace, in ascending
	// order. Every port here is also present in the pool's allocated set.
	Ports []int `json:"ports"`

	// ReviewID is the external change-proposal number for Branch, or 0
	// when none has been discovered yet.
	ReviewID int `json:"reviewId,omitempty"`

	// Status is the current review-driven lifecycle state.
	Status ReviewStatus `json:"status"`

	// TaskDescription is the optional free-form task the workspace was
	// created for, passed through to agent launchers.
	TaskDescription string `json:"taskDescription,omitempty"`

	// CreatedAt is the timestamp when the entry was committed.
	CreatedAt time.Time `json:"createdAt"`
}

// Key returns the (project, branch) identity of the entry.
func (e *WorktreeEntry) Key() string {
	return e.Project + "/" + e.Branch
}

// PortPool partitions a fixed numeric port range into available and
// allocated sets. Both slices are kept sorted ascending; the sets are
// disjoint and their union always equals the configured range.
type PortPool struct {
	Available []int `json:"available"`
	Allocated []int `json:"allocated"`
}

// Contains reports whether the sorted slice contains port.
func Contains(ports []int, port int) bool {
	i := sort.SearchInts(ports, port)
	return i < len(ports) && ports[i] == port
}

// Document is the single persisted registry document: all workspace
// entries plus the port pool. It is created on first use and lives for
// the lifetime of the installation.
type Document struct {
	Worktrees []WorktreeEntry `json:"worktrees"`
	PortPool  PortPool        `json:"portPool"`
}

// NewDocument returns an empty registry document whose pool covers the
// inclusive port range [start, end], all available.
func NewDocument(start, end int) *Document {
	available := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		available = append(available, p)
	}
	return &Document{
		Worktrees: []WorktreeEntry{},
		PortPool:  PortPool{Available: available, Allocated: []int{}},
	}
}

// Find returns the index of the entry for (project, branch), or -1.
func (d *Document) Find(project, branch string) int {
	for i := range d.Worktrees {
		if d.Worktrees[i].Project == project && d.Worktrees[i].Branch == branch {
			return i
		}
	}
	return -1
}

// FindByPath returns the index of the entry with the given worktree
// path, or -1.
func (d *Document) FindByPath(worktreePath string) int {
	for i := range d.Worktrees {
		if d.Worktrees[i].WorktreePath == worktreePath {
			return i
		}
	}
	return -1
}

// FindByBranch returns the index of the first entry for the given branch
// regardless of project, or -1. Used by "current workspace" resolution
// where only the checked-out branch is known.
func (d *Document) FindByBranch(branch string) int {
	for i := range d.Worktrees {
		if d.Worktrees[i].Branch == branch {
			return i
		}
	}
	return -1
}

// Validate checks the registry invariants against the configured port
// range [start, end]:
//
//  1. (project, branch) is unique across entries.
//  2. worktreePath is unique across entries.
//  3. Every entry port is in the allocated set; available and allocated
//     are disjoint and their union equals the configured range.
//  4. No port appears in more than one entry.
//
// Validate is called after every registry transform; a violation aborts
// the commit.
func (d *Document) Validate(start, end int) error {
	seenKey := make(map[string]struct{}, len(d.Worktrees))
	seenPath := make(map[string]struct{}, len(d.Worktrees))
	portOwner := make(map[int]string)

	for i := range d.Worktrees {
		e := &d.Worktrees[i]
		if _, dup := seenKey[e.Key()]; dup {
			return fmt.Errorf("registry invariant: duplicate entry for %s", e.Key())
		}
		seenKey[e.Key()] = struct{}{}

		if _, dup := seenPath[e.WorktreePath]; dup {
			return fmt.Errorf("registry invariant: duplicate worktree path %s", e.WorktreePath)
		}
		seenPath[e.WorktreePath] = struct{}{}

		for _, p := range e.Ports {
			if owner, taken := portOwner[p]; taken {
				return fmt.Errorf("registry invariant: port %d claimed by both %s and %s", p, owner, e.Key())
			}
			portOwner[p] = e.Key()
			if !Contains(d.PortPool.Allocated, p) {
				return fmt.Errorf("registry invariant: port %d of %s is not in the allocated set", p, e.Key())
			}
		}
	}

	inRange := func(p int) bool { return p >= start && p <= end }
	seen := make(map[int]string, len(d.PortPool.Available)+len(d.PortPool.Allocated))
	for _, p := range d.PortPool.Available {
		if !inRange(p) {
			return fmt.Errorf("registry invariant: available port %d outside range %d-%d", p, start, end)
		}
		seen[p] = "available"
	}
	for _, p := range d.PortPool.Allocated {
		if !inRange(p) {
			return fmt.Errorf("registry invariant: allocated port %d outside range %d-%d", p, start, end)
		}
		if seen[p] == "available" {
			return fmt.Errorf("registry invariant: port %d is both available and allocated", p)
		}
		seen[p] = "allocated"
	}
	if got, want := len(seen), end-start+1; got != want {
		return fmt.Errorf("registry invariant: pool covers %d ports, range %d-%d has %d", got, start, end, want)
	}
	return nil
}

// SlugifyBranch converts a Git branch name to a filesystem-safe slug:
// separators become hyphens, anything that is not alphanumeric or a
// hyphen is dropped, and leading/trailing hyphens are trimmed.
func SlugifyBranch(branch string) string {
	name := strings.ReplaceAll(branch, "/", "-")
	name = strings.ReplaceAll(name, "_", "-")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	name = strings.Trim(result.String(), "-")

	if name == "" {
		name = "worktree"
	}
	return name
}

// ValidateBranch checks that a branch name is usable: non-empty and free
// of characters that would break the derived workspace path.
func ValidateBranch(branch string) error {
	if branch == "" {
		return errors.New("branch name must not be empty")
	}
	if strings.ContainsAny(branch, " \t\n~^:?*[\\") || strings.Contains(branch, "..") {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	return nil
}

// Sentinel errors for the failure taxonomy. Callers classify with
// errors.Is; the CLI layer maps each to its exit code.
var (
	// ErrConflict indicates a duplicate (project, branch) identity or an
	// already-occupied workspace path. Raised before any resource is
	// allocated, or during the final commit when another invocation won
	// the race.
	ErrConflict = errors.New("conflict")

	// ErrResourceExhausted indicates the port pool cannot satisfy an
	// allocation request.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound indicates the registry or a requested entry is absent.
	// For cleanup this is a warning, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrExternalFailure indicates a collaborator call (version control,
	// review provider, process probe, bootstrap) failed.
	ErrExternalFailure = errors.New("external failure")

	// ErrCorruptState indicates the registry document is unreadable.
	// Always fatal, never auto-repaired.
	ErrCorruptState = errors.New("corrupt registry state")
)

// ExitCode defines the CLI exit code conventions. Scripts and CI systems
// use these to distinguish outcomes programmatically.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitUsage indicates missing or malformed arguments.
	ExitUsage ExitCode = 1

	// ExitConflict indicates a duplicate workspace identity or occupied path.
	ExitConflict ExitCode = 2

	// ExitResourceExhausted indicates no ports were available.
	ExitResourceExhausted ExitCode = 3

	// ExitExternalFailure indicates a collaborator operation failed.
	ExitExternalFailure ExitCode = 4

	// ExitCorruptState indicates the registry document is unreadable.
	ExitCorruptState ExitCode = 5

	// ExitNotFound indicates a requested entry does not exist, in a
	// context where that is fatal rather than a warning.
	ExitNotFound ExitCode = 6
)

// CLIError is a custom error type that carries an exit code, allowing
// the CLI layer to translate domain errors into process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

// CodeFor maps a domain error to its exit code using the sentinel
// taxonomy. Unclassified errors map to ExitUsage's general error code.
func CodeFor(err error) ExitCode {
	switch {
	case errors.Is(err, ErrConflict):
		return ExitConflict
	case errors.Is(err, ErrResourceExhausted):
		return ExitResourceExhausted
	case errors.Is(err, ErrCorruptState):
		return ExitCorruptState
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	case errors.Is(err, ErrExternalFailure):
		return ExitExternalFailure
	default:
		return ExitUsage
	}
}
