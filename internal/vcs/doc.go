// Package vcs is the version-control integration layer. It shells out
// to the git CLI to create and remove worktrees, resolve repository
// metadata, and manage branches.
//
// Shelling out is deliberate: worktree operations need full git CLI
// compatibility, and pure-Go git implementations have incomplete
// worktree support. All commands run with `git -C <dir>` so the
// process's own working directory never changes.
package vcs
