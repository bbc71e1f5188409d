package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "rexbench",
		Short: "Rexbench - Resilient regex engine benchmark harness",
		Long: `Rexbench benchmarks regex engines across a matrix of pattern counts and
corpus sizes. Jobs are persisted in SQLite and mirrored to an append-only
transaction log, so an interrupted or crashed run can be resumed or
recovered without losing completed results.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose (development) logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
