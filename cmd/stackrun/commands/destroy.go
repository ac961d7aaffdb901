package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/actions"
)

func newDestroyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy every stack of the namespace",
		Long: `Destroy every configured or previously deployed stack, dependents first.

Without --force the plan is printed and nothing is destroyed. Protected
stacks are refused by policy.`,
		Example: `  # Show what would be destroyed
  stackrun destroy

  # Destroy everything
  stackrun destroy --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd.Context(), actions.ActionDestroy, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "confirm the destruction")
	return cmd
}
