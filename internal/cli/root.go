// Package cli implements the methodprof command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/methodprof/pkg/version"
)

// NewRootCmd creates the methodprof root command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "methodprof",
		Short: "Adaptive per-method threshold generator",
		Long: `Accumulates per-method percentile latency windows (P95/P99/P999/P9999)
reported by the instrumentation layer and publishes a read-only profiling
file with a threshold tier and tolerance count for every monitored method.

Configuration Priority:
  1. Command-line flags (highest)
  2. METHODPROF_* environment variables
  3. Config file (--config, default ./methodprof.yaml)
  4. Built-in defaults`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts := &rootOptions{}
	opts.register(rootCmd)

	rootCmd.AddCommand(newGenerateCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("methodprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
