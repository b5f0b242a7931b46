package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "blockq",
	Short: "blockq schedules the executions of notebook input blocks",
	Long: `blockq keeps one execution queue per document. Edits to input blocks are validated
immediately and confirmed through the queue, which serializes executions per block and tag,
coalesces repeated requests and discards work queued before an environment restart.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to blockq.yaml (default: ./blockq.yaml when present)")
	rootCmd.PersistentFlags().Bool("debug", false, "Log every execution transition")
}
