package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/actions"
)

func newDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show how deployed stacks differ from the configuration",
		Long: `Compare every configured stack with its deployed state without changing
anything. Stacks removed from the configuration are listed as deletions.`,
		Example: `  stackrun diff
  stackrun diff --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), actions.ActionDiff, false)
		},
	}
}
