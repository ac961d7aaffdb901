package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/actions"
)

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create or update every configured stack",
		Long: `Create or update every configured stack in dependency order.

Stacks are launched as soon as the stacks they require are complete. Stacks
that were removed from the configuration since the last build are destroyed,
dependents first. The persistent graph is locked for the duration of the run.`,
		Example: `  # Build using stackrun.yaml in the current directory
  stackrun build

  # Build with at most two stacks in flight and JSON events on stdout
  stackrun build --concurrency 2 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), actions.ActionBuild, false)
		},
	}
	return cmd
}
