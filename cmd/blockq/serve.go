package main

import (
	"github.com/aretw0/blockq/internal/cli"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts a document queue and exposes it over HTTP, with Server-Sent Events for field
updates. Prometheus metrics are served on metrics.addr when enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		debug, _ := cmd.Flags().GetBool("debug")
		addr, _ := cmd.Flags().GetString("addr")
		quiet, _ := cmd.Flags().GetBool("quiet")

		return cli.Serve(cli.ServeOptions{
			ConfigPath: configPath,
			Addr:       addr,
			Debug:      debug,
			Quiet:      quiet,
			Out:        cmd.OutOrStdout(),
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", "", "Address to listen on (overrides http.addr)")
	serveCmd.Flags().BoolP("quiet", "q", false, "Suppress banner and system messages")
}
