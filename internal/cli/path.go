package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPathCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path [branch]",
		Short: "Print the workspace directory of a branch",
		Long: `Print the absolute workspace directory for a branch, for use in shell
substitution:

  cd "$(agentree path feature-auth)"

Without a branch argument the currently checked-out branch is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			branch := ""
			if len(args) > 0 {
				branch = args[0]
			}
			return runPath(cmd, branch)
		},
	}
	return cmd
}

func runPath(cmd *cobra.Command, branch string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	entry, err := a.manager.Resolve(ctx, cwd, branch)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), entry.WorktreePath)
	return nil
}
