// Package main is the entry point for the agentree CLI.
//
// All functionality lives in internal/cli; this file only injects
// build-time version information and hands off to the root command.
package main

import (
	"github.com/mmr-tortoise/agentree/internal/cli"
)

// Set by GoReleaser at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
