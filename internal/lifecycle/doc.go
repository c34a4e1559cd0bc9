// Package lifecycle implements workspace creation and teardown. It
// coordinates the registry, the port pool, version control, and the
// port reclaimer so that a workspace either exists completely — entry,
// checkout, reserved ports — or not at all.
//
// Creation is all-or-nothing: a failure at any step rolls back what was
// already acquired. Teardown is the opposite: a best-effort pipeline
// that continues past individual step failures and is safe to re-run.
package lifecycle
