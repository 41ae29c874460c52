package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the daemon: the
// queue processor, dedup sweep, and injection GC loops, after running
// startup recovery.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the memory daemon: ingest, dedup, and maintenance loops",
		Long: `Start memoryd with all background loops enabled.

On startup it:
1. Loads configuration from the environment (and --config, if given)
2. Opens the configured store backend and runs pending migrations
3. Runs startup recovery (release_stale, close_stale_sessions)
4. Starts the queue processor, dedup sweep, and injection GC loops

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML configuration overlay")
	return cmd
}
