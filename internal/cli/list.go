package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/agentree/internal/model"
)

func newListCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workspaces",
		Long: `List every registered workspace with its branch, reserved ports,
review status, and path. An absent registry lists nothing and exits
successfully.

Examples:
  agentree list
  agentree list --status merged
  agentree list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, statusFilter)
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show workspaces in this status (no-review, active, merged, closed, orphaned)")

	return cmd
}

func runList(cmd *cobra.Command, statusFilter string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	doc, err := a.store.Load()
	if errors.Is(err, model.ErrNotFound) {
		doc = model.NewDocument(a.cfg.PortRangeStart, a.cfg.PortRangeEnd)
	} else if err != nil {
		return err
	}

	entries := doc.Worktrees
	if statusFilter != "" {
		want, err := model.ParseReviewStatus(statusFilter)
		if err != nil {
			return &model.CLIError{Code: model.ExitUsage, Message: err.Error(), Err: err}
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Status == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if jsonOutput {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No workspaces registered")
		return nil
	}

	fmt.Fprintf(out, "%-30s %-12s %-12s %s\n", "WORKSPACE", "PORTS", "STATUS", "PATH")
	for _, e := range entries {
		fmt.Fprintf(out, "%-30s %-12s %-12s %s\n", e.Key(), formatPorts(e.Ports), e.Status, e.WorktreePath)
	}
	fmt.Fprintf(out, "\n%d of %d ports allocated\n",
		len(doc.PortPool.Allocated), len(doc.PortPool.Allocated)+len(doc.PortPool.Available))
	return nil
}
