package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "taskpool",
		Short: "Claude Task Pool - Bounded-concurrency agent runner",
		Long: `Claude Task Pool runs coding agent tasks with a fixed concurrency limit.
Each task is billed to a per-tier budget ledger and can run in its own
git worktree, to be merged back or discarded once it finishes.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
