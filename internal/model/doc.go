// Package model defines the domain types and value objects for the
// agentree CLI.
//
// This package contains pure data structures with no external dependencies:
// the persisted registry document, workspace entries, the port pool, and
// review status values. The Document type maps one-to-one onto the JSON
// registry file on disk.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
