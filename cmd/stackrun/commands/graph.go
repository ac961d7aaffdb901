package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/actions"
)

func newGraphCommand() *cobra.Command {
	var (
		format  string
		reverse bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the execution graph",
		Long: `Print the graph a build, or with --reverse a destroy, would walk.

Formats:
  dot     Graphviz DOT, edges in execution order
  json    adjacency list of requirements
  levels  stacks grouped by the wave they can start in
  order   one stack per line in a valid execution order`,
		Example: `  stackrun graph --format dot | dot -Tpng > graph.png
  stackrun graph --reverse --format levels`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			action := actions.ActionBuild
			if reverse {
				action = actions.ActionDestroy
			}
			kind, err := actions.KindFor(action)
			if err != nil {
				return err
			}

			env, err := openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.Close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}()

			runner, err := env.runner(ctx, false)
			if err != nil {
				return err
			}
			plan, _, err := runner.Plan(ctx, kind)
			if err != nil {
				return err
			}
			g := plan.Graph()

			switch format {
			case "dot":
				return g.WriteDOT(os.Stdout, env.cfg.Namespace+" "+action)
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(g.ToEdgeMap())
			case "levels":
				for i, level := range g.Levels() {
					fmt.Printf("%d: %s\n", i, strings.Join(level, " "))
				}
				return nil
			case "order":
				order, err := g.TopologicalOrder()
				if err != nil {
					return err
				}
				for _, name := range order {
					fmt.Println(name)
				}
				return nil
			default:
				return fmt.Errorf("unknown graph format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "dot", "output format: dot, json, levels or order")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "print the destroy graph")
	return cmd
}
