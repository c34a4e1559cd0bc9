// Package registry implements the persistent workspace registry: a
// single JSON document holding every workspace entry and the port pool.
//
// All mutations go through Store.AtomicUpdate, which holds an exclusive
// advisory lock file for the whole read-compute-write span and replaces
// the document with an atomic rename. A process killed mid-write can
// never leave a partial document behind, and overlapping invocations
// from independent processes cannot lose updates.
//
// A malformed document is a fatal corrupt-state error; the store never
// repairs or discards it silently.
package registry
