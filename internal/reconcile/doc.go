// Package reconcile detects and repairs drift between the registry and
// the world it describes: workspace directories that disappeared,
// checkouts that stopped being worktrees, and review states that moved
// on. A sync runs in report mode by default; fix mode applies every
// repair in a single registry transaction.
package reconcile
