package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/agentree/internal/lifecycle"
)

type createFlags struct {
	base    string
	task    string
	noSetup bool
}

func newCreateCommand() *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create a workspace for a branch",
		Long: `Create a new workspace: a Git worktree bound to the branch, with host
ports reserved from the shared pool and setup commands run in the fresh
checkout.

The workspace directory is a sibling of the repository named
<repo>-<branch-slug>, unless worktreeRoot is configured. Per-repository
settings (port count, base branch, setup commands, files to copy) come
from .agentree.json at the repository root.

Examples:
  agentree create feature-auth
  agentree create --base release-2.4 hotfix-login
  agentree create --task "migrate the session store" feature-sessions`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.base, "base", "", "Base branch for a newly created branch (default: repository default branch)")
	cmd.Flags().StringVar(&flags.task, "task", "", "Task description stored on the workspace entry")
	cmd.Flags().BoolVar(&flags.noSetup, "no-setup", false, "Skip file copies and setup commands")

	return cmd
}

func runCreate(cmd *cobra.Command, branch string, flags *createFlags) error {
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

	entry, err := a.manager.Create(ctx, lifecycle.CreateOptions{
		Dir:        cwd,
		Branch:     branch,
		BaseBranch: flags.base,
		Task:       flags.task,
		SkipSetup:  flags.noSetup,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created workspace %s\n", entry.Key())
	fmt.Fprintf(cmd.OutOrStdout(), "  path:  %s\n", entry.WorktreePath)
	fmt.Fprintf(cmd.OutOrStdout(), "  ports: %s\n", formatPorts(entry.Ports))
	return nil
}

func formatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}
