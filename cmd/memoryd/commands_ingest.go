package main

import (
	"github.com/spf13/cobra"
)

// buildIngestCmd creates the "ingest" command, which enqueues a single tool
// call for asynchronous processing by the maintenance queue. It does not run
// the pipeline itself: it only writes a pending_messages row.
func buildIngestCmd() *cobra.Command {
	var configPath string
	var filePath string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Enqueue a tool call observation from a JSON file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), configPath, filePath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML configuration overlay")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Path to a JSON-encoded tool call (defaults to stdin)")
	return cmd
}
