// Package port implements port pool allocation for agentree workspaces.
//
// The registry document reserves a fixed numeric range, partitioned into
// available and allocated sets. Allocation picks the lowest available
// ports first — deterministic selection keeps debugging simple — and
// double-checks each candidate against the live OS port table via
// net.Listen, since pool bookkeeping can drift from reality (a crashed
// dev server, a foreign process squatting on a pool port).
//
// Release is idempotent: returning a port that is not allocated is a
// no-op, so teardown can be re-run safely.
package port
