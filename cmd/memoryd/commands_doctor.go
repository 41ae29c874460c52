package main

import (
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command, which validates
// configuration and connectivity without starting any background loop.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML configuration overlay")
	return cmd
}
