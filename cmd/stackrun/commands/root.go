package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackrun/stackrun/pkg/engine"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	concurrency int
	metricsAddr string
	traceExport string
	traceTarget string
)

// Exit codes beyond the generic failure.
const (
	exitFailure      = 1
	exitGraphLocked  = 3
	exitPolicyDenied = 4
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrGraphLocked):
		return exitGraphLocked
	case errors.Is(err, engine.ErrPolicyDenied):
		return exitPolicyDenied
	default:
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackrun",
		Short: "stackrun - dependency-ordered stack provisioning",
		Long: `stackrun creates, updates and destroys groups of infrastructure stacks.

Stacks declare which stacks they require. Every action builds a dependency
graph, walks it with bounded concurrency and polls the provider until each
stack settles. A persistent graph remembers what was deployed so stacks
removed from the configuration are destroyed in the right order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "stackrun.yaml", "config file path (.yaml, .cue or .hcl)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0, "max parallel stack operations (0 uses the config)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	rootCmd.PersistentFlags().StringVar(&traceExport, "trace-exporter", "none", "trace exporter: none, stdout or otlp")
	rootCmd.PersistentFlags().StringVar(&traceTarget, "trace-endpoint", "", "OTLP gRPC endpoint for traces")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
