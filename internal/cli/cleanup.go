package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/agentree/internal/lifecycle"
	"github.com/mmr-tortoise/agentree/internal/model"
)

type cleanupFlags struct {
	merged       bool
	deleteBranch bool
	deleteRemote bool
}

func newCleanupCommand() *cobra.Command {
	flags := &cleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup [branch]",
		Short: "Tear down a workspace and free its ports",
		Long: `Tear down a workspace: terminate processes holding its reserved ports,
remove the worktree, return the ports to the pool, and deregister the
entry. Without a branch argument the workspace of the currently
checked-out branch is torn down.

Teardown is best-effort and re-runnable: each step skips work that is
already done, so a partially failed cleanup can simply be repeated.

With --merged, every workspace whose review was merged is torn down in
one sweep; the branch argument is then ignored.

Examples:
  agentree cleanup feature-auth
  agentree cleanup --merged --delete-branch
  agentree cleanup                      # workspace of the current branch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch := ""
			if len(args) > 0 {
				branch = args[0]
			}
			return runCleanup(cmd, branch, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.merged, "merged", false, "Tear down all workspaces with a merged review")
	cmd.Flags().BoolVar(&flags.deleteBranch, "delete-branch", false, "Also delete the local branch")
	cmd.Flags().BoolVar(&flags.deleteRemote, "delete-remote", false, "Also delete the origin-side branch (implies --delete-branch)")

	return cmd
}

func runCleanup(cmd *cobra.Command, branch string, flags *cleanupFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	opts := lifecycle.TeardownOptions{
		DeleteBranch:       flags.deleteBranch || flags.deleteRemote,
		DeleteRemoteBranch: flags.deleteRemote,
	}

	if flags.merged {
		result, err := a.manager.CleanupMerged(ctx, opts)
		if err != nil {
			return err
		}
		if len(result.Cleaned) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No merged workspaces to clean up (%d skipped)\n", result.Skipped)
			return nil
		}
		failed := 0
		for _, r := range result.Cleaned {
			printReport(cmd, r)
			if r.Failed() {
				failed++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d cleaned, %d skipped\n", len(result.Cleaned), result.Skipped)
		if failed > 0 {
			return model.NewCLIError(model.ExitExternalFailure,
				fmt.Sprintf("%d of %d workspaces did not tear down cleanly", failed, len(result.Cleaned)))
		}
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	entry, err := a.manager.Resolve(ctx, cwd, branch)
	if errors.Is(err, model.ErrNotFound) {
		// Nothing registered means nothing to clean up; treated as a
		// warning so scripted sweeps stay quiet.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	report := a.manager.Teardown(ctx, *entry, opts)
	printReport(cmd, report)
	if report.Failed() {
		return model.NewCLIError(model.ExitExternalFailure,
			fmt.Sprintf("workspace %s did not tear down cleanly", entry.Key()))
	}
	return nil
}

func printReport(cmd *cobra.Command, r *lifecycle.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cleaned up %s\n", r.Entry.Key())
	for _, s := range r.Steps {
		if s.Err != nil {
			fmt.Fprintf(out, "  %-20s FAILED: %v\n", s.Name, s.Err)
		} else if verbose {
			fmt.Fprintf(out, "  %-20s ok\n", s.Name)
		}
	}
}
