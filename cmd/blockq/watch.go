package main

import (
	"os"

	"github.com/aretw0/blockq/internal/cli"
	"github.com/aretw0/blockq/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <block-id> <field>",
	Short: "Follow a field of a running server",
	Long:  `Connects to a blockq server and prints the field's status every time it changes.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		return cli.Watch(cli.WatchOptions{
			Server:  server,
			BlockID: args[0],
			Field:   args[1],
			Plain:   !tui.IsTerminal(os.Stdout),
			Out:     cmd.OutOrStdout(),
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringP("server", "s", "http://localhost:8080", "Address of the blockq server")
}
