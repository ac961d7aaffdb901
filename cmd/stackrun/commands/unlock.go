package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release a stale persistent graph lock",
		Long: `Release the persistent graph lock regardless of its holder.

Use this only when the process holding the lock is known to be gone, for
example after it was killed. Running two actions against the same namespace
at once can destroy stacks another run just created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			env, err := openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.Close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}()

			runner, err := env.runner(ctx, true)
			if err != nil {
				return err
			}
			lock := runner.Lock()
			if lock == nil {
				return fmt.Errorf("no persistent graph configured")
			}

			holder, err := lock.ForceUnlock(ctx)
			if err != nil {
				return err
			}
			if holder == "" {
				fmt.Println("persistent graph was not locked")
				return nil
			}
			fmt.Printf("released lock held by %s\n", holder)
			return nil
		},
	}
}
