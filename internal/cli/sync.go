package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/agentree/internal/reconcile"
)

func newSyncCommand() *cobra.Command {
	var fix, quiet bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the registry against reality",
		Long: `Probe every registered workspace and report drift: directories that
vanished, checkouts that are no longer worktrees, and review states that
moved on (opened, merged, closed).

By default sync only reports. With --fix it repairs the registry:
entries for missing directories are removed and their ports returned to
the pool, broken checkouts are marked orphaned (never deleted), review
statuses are updated, and allocated ports no workspace references are
released. Running sync --fix twice in a row finds nothing the second
time.

Examples:
  agentree sync
  agentree sync --fix
  agentree sync --fix --quiet   # for cron; warnings only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, fix, quiet)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Apply repairs instead of only reporting")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress normal output, keep warnings")

	return cmd
}

func runSync(cmd *cobra.Command, fix, quiet bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.engine.Sync(ctx, reconcile.Options{Fix: fix})
	if err != nil {
		return err
	}

	for _, msg := range summary.Errors {
		fmt.Fprintf(os.Stderr, "Warning: could not check %s\n", msg)
	}
	if quiet {
		return nil
	}

	if jsonOutput {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	if len(summary.Findings) == 0 {
		fmt.Fprintf(out, "Checked %d workspaces, registry is in sync\n", summary.Checked)
		return nil
	}

	verb := "would fix"
	if summary.Fixed {
		verb = "fixed"
	}
	fmt.Fprintf(out, "Checked %d workspaces, %s %d findings:\n", summary.Checked, verb, len(summary.Findings))
	for _, f := range summary.Findings {
		fmt.Fprintf(out, "  %-12s %-24s %s\n", f.Kind, f.Key, f.Detail)
	}
	fmt.Fprintf(out, "%d missing, %d merged, %d orphaned, %d updated\n",
		summary.Missing, summary.Merged, summary.Orphaned, summary.Updated)
	if !summary.Fixed {
		fmt.Fprintln(out, "Run with --fix to apply")
	}
	return nil
}
