// Package cli implements the cobra-based agentree commands.
//
// Each subcommand (create, cleanup, sync, list, path) lives in its own
// file. This file defines the root command, global flags, and the
// error-to-exit-code translation.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/agentree/internal/model"
)

// Global flag variables bound to persistent flags on the root command.
var (
	// jsonOutput switches all command output to JSON for machine
	// consumption.
	jsonOutput bool

	// verbose enables debug logging on stderr.
	verbose bool
)

// Version, Commit, and Date are set at build time via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command. The
// root itself performs no action; functionality lives in subcommands.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentree",
		Short: "Ephemeral development workspaces with reserved ports",
		Long: `agentree manages ephemeral development workspaces: each one is an
isolated Git worktree bound to a branch, with host ports reserved from a
shared pool so parallel agents and dev servers never collide.

A single registry file tracks every workspace, its ports, and its review
state, and "agentree sync" reconciles that registry against reality.`,

		// Errors are formatted by Execute; cobra's own printing would
		// duplicate them.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newPathCommand())

	return rootCmd
}

// setupLogging routes slog to stderr. Debug level with --verbose,
// warnings only otherwise so normal command output stays clean.
func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the root command and translates errors into process exit
// codes. CLIErrors carry their own code; everything else is classified
// through the sentinel taxonomy.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}
		printError(err.Error(), nil)
		os.Exit(int(model.CodeFor(err)))
	}
}

// printError writes an error to stderr in the active output format.
// stdout stays reserved for successful command output even in JSON
// mode.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{"error": map[string]any{"message": message}}
		if underlying != nil {
			errObj["error"].(map[string]any)["detail"] = underlying.Error()
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}
