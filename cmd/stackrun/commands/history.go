package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded for the namespace, newest first.

Run history is only recorded when the config has a history block.`,
		Example: `  stackrun history --limit 5
  stackrun history show 3f1c0d6e-8a43-4c8e-9d0e-2b7b0f0e9a11
  stackrun history delete 3f1c0d6e-8a43-4c8e-9d0e-2b7b0f0e9a11`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, env *environment) error {
				runs, err := env.history.ListRuns(ctx, env.cfg.Namespace, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(runs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "RUN\tACTION\tSTATUS\tSTARTED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Action, r.Status, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	cmd.AddCommand(newHistoryShowCommand(), newHistoryDeleteCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run>",
		Short: "Show one run and its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, env *environment) error {
				run, err := env.history.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := env.history.ListStepResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(struct {
						*stores.Run
						Steps []*stores.StepResult `json:"steps"`
					}{run, steps})
				}
				printRun(os.Stdout, run, steps)
				return nil
			})
		},
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run>",
		Short: "Delete one run and its step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(ctx context.Context, env *environment) error {
				if err := env.history.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("run %s deleted\n", args[0])
				return nil
			})
		},
	}
}

// withHistory opens the environment and runs fn against its run history.
func withHistory(ctx context.Context, fn func(context.Context, *environment) error) (err error) {
	env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if env.history == nil {
		return fmt.Errorf("run history is not configured")
	}
	return fn(ctx, env)
}

func printRun(out io.Writer, run *stores.Run, steps []*stores.StepResult) {
	fmt.Fprintf(out, "run %s: %s of %s %s in %s\n", run.ID, run.Action, run.Namespace, run.Status, runDuration(run))
	if run.Error != nil {
		fmt.Fprintf(out, "  error: %s\n", *run.Error)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "STACK\tSTATUS\tATTEMPTS\tREASON")
	for _, s := range steps {
		reason := s.Reason
		if s.Error != nil {
			reason = *s.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.StackName, s.Status, s.Attempts, reason)
	}
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
