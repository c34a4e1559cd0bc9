package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mmr-tortoise/agentree/internal/model"
)

// State is the review-system view of a branch's change proposal.
type State string

const (
	// StateNone means no proposal exists for the branch.
	StateNone State = "none"

	// StateOpen means a proposal exists and is still under review.
	StateOpen State = "open"

	// StateMerged means the proposal was merged.
	StateMerged State = "merged"

	// StateClosed means the proposal was closed without merging.
	StateClosed State = "closed"
)

// Status is the result of a branch lookup.
type Status struct {
	State  State
	Number int
	URL    string
}

// Provider looks up the review status of a branch. *GitHub is the
// production implementation; tests substitute fakes.
type Provider interface {
	BranchStatus(ctx context.Context, repoPath, branch string) (Status, error)
}

// prRecord mirrors the JSON fields requested from `gh pr list`.
type prRecord struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

// GitHub resolves branch review status through the gh CLI.
type GitHub struct {
	ghPath string

	// run executes a command and returns stdout. Overridable in tests.
	run func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// NewGitHub creates a Provider backed by the gh binary at ghPath
// (normally just "gh", resolved via PATH).
func NewGitHub(ghPath string) *GitHub {
	return &GitHub{ghPath: ghPath, run: runCommand}
}

// BranchStatus queries the most recent pull request whose head is
// branch, in any state. No matching PR yields StateNone, not an error.
func (g *GitHub) BranchStatus(ctx context.Context, repoPath, branch string) (Status, error) {
	out, err := g.run(ctx, repoPath, g.ghPath,
		"pr", "list",
		"--head", branch,
		"--state", "all",
		"--json", "number,state,url",
		"--limit", "1")
	if err != nil {
		return Status{}, fmt.Errorf("gh pr list for branch %q: %v: %w", branch, err, model.ErrExternalFailure)
	}

	var records []prRecord
	if err := json.Unmarshal(out, &records); err != nil {
		return Status{}, fmt.Errorf("parse gh pr list output for branch %q: %v: %w", branch, err, model.ErrExternalFailure)
	}
	if len(records) == 0 {
		return Status{State: StateNone}, nil
	}

	rec := records[0]
	var state State
	switch strings.ToUpper(rec.State) {
	case "OPEN":
		state = StateOpen
	case "MERGED":
		state = StateMerged
	case "CLOSED":
		state = StateClosed
	default:
		return Status{}, fmt.Errorf("unknown pull request state %q for branch %q: %w", rec.State, branch, model.ErrExternalFailure)
	}
	return Status{State: state, Number: rec.Number, URL: rec.URL}, nil
}

// EntryStatus maps a review state onto the registry lifecycle status.
// StateNone keeps the entry in no-review rather than regressing an
// already-active entry; callers decide whether to apply it.
func EntryStatus(s State) model.ReviewStatus {
	switch s {
	case StateOpen:
		return model.StatusActive
	case StateMerged:
		return model.StatusMerged
	case StateClosed:
		return model.StatusClosed
	default:
		return model.StatusNoReview
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		return nil, err
	}
	return []byte(stdout.String()), nil
}
