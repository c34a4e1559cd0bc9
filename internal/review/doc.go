// Package review queries the external code-review system for the state
// of change proposals associated with workspace branches. The
// production implementation shells out to the GitHub CLI (gh), which
// handles authentication and host configuration on its own.
package review
