package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/blockq"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of blockq",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "blockq version %s\n", strings.TrimSpace(blockq.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
