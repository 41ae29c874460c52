package main

import (
	"github.com/spf13/cobra"
)

// buildMigrateCmd creates the "migrate" command, which opens the
// configured store backend and exits: backend construction itself runs all
// pending migrations in order, idempotently.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML configuration overlay")
	return cmd
}
