package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/config"
	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, graph and policies",
		Long: `Validate the configuration without contacting the provider.

Checks:
  - Configuration schema and stack names, against the CUE #Config schema
    for every format
  - Requirements name declared stacks and form no cycle
  - Policy files compile

With --watch the policy paths are watched and recompiled on every change.`,
		Example: `  stackrun validate
  stackrun validate --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, pe, err := validateConfig(ctx)
			if err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchPolicies(ctx, env, pe)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch policy files and recompile on change")
	return cmd
}

// validateConfig checks the config file, its graph and its policies.
func validateConfig(ctx context.Context) (*environment, *policy.Engine, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}

	if format, _ := config.FormatFor(cfg.SourcePath); format != config.FormatCUE {
		if err := config.NewSchemaRegistry().ValidateConfig(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("configuration does not match the schema: %w", err)
		}
	}

	graph, err := engine.BuildGraph(cfg.Requirements())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid stack graph: %w", err)
	}

	env := &environment{cfg: cfg, logger: log.Logger}
	pe, err := env.policyEngine(ctx)
	if err != nil {
		return nil, nil, err
	}

	fmt.Printf("%s: %d stacks in %d levels, %d policies\n",
		cfg.SourcePath, graph.Len(), len(graph.Levels()), len(pe.ListPolicies()))
	return env, pe, nil
}

func watchPolicies(ctx context.Context, env *environment, pe *policy.Engine) error {
	if env.cfg.Policy == nil || len(env.cfg.Policy.Paths) == 0 {
		return fmt.Errorf("no policy paths configured to watch")
	}

	loader := policy.NewLoader(env.logger)
	reload := func(policies []policy.Policy) error {
		if err := pe.ReplacePolicies(ctx, policies); err != nil {
			log.Error().Err(err).Msg("Policy reload failed")
			return err
		}
		fmt.Printf("policies reloaded: %d loaded\n", len(pe.ListPolicies()))
		return nil
	}

	if err := loader.Watch(ctx, env.resolvePaths(env.cfg.Policy.Paths), reload); err != nil {
		return err
	}
	defer func() {
		if err := loader.StopWatching(); err != nil {
			log.Debug().Err(err).Msg("Failed to stop policy watcher")
		}
	}()

	<-ctx.Done()
	return nil
}
