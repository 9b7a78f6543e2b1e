// Package main provides the entry point for the tracebench CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joe4dev/trigger-bench/cmd/tracebench/commands"
	"github.com/joe4dev/trigger-bench/pkg/version"
)

var (
	verbose bool
	quiet   bool
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "tracebench",
		Short: "tracebench - AWS X-Ray style trace analysis for serverless benchmarks",
		Long: `tracebench reconstructs causal span graphs from captured trace
segments, computes critical-path latency breakdowns, and correlates
cross-function trigger invocations for cold-start and async analysis.

Commands:
  analyze    Build span graphs and emit per-trace latency breakdowns
  correlate  Correlate trigger traces across function boundaries
  migrate    Convert a legacy single-line traces.json into JSONL
  serve      Expose a Prometheus /metrics scrape endpoint while running`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output")

	rootCmd.AddCommand(commands.NewAnalyzeCommand())
	rootCmd.AddCommand(commands.NewCorrelateCommand())
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "tracebench %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
