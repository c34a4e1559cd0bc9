// Package proc reclaims host ports before a workspace is torn down. It
// terminates native processes listening on the workspace's reserved
// ports and stops Docker containers publishing them, so the ports
// return to the pool genuinely free.
//
// Everything here is best-effort: a missing lsof binary or an
// unreachable Docker daemon degrades to a no-op rather than blocking
// teardown.
package proc
