// Package main provides the CLI entry point for memoryd, the agent-memory
// daemon: a persistent, searchable memory layer for coding-agent tool
// calls — ingestion queue, LLM compression, dedup, hybrid retrieval, and
// the background maintenance loops that keep the store healthy.
//
// # Basic usage
//
// Start the daemon:
//
//	memoryd serve --config memoryd.yaml
//
// Run pending schema migrations:
//
//	memoryd migrate
//
// Validate configuration and connectivity:
//
//	memoryd doctor
//
// Enqueue a single tool call for processing:
//
//	memoryd ingest --file call.json
//
// # Environment variables
//
// Every field in the configuration table can be set via environment
// variable (MAX_CONTENT_CHARS, DATABASE_URL, ANTHROPIC_API_KEY, and so on);
// see internal/config for the full list. An optional YAML file passed via
// --config overlays the environment-sourced defaults.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to keep it testable.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "memoryd",
		Short:        "memoryd - persistent searchable memory for coding-agent tool calls",
		Long:         `memoryd ingests, compresses, dedups, and serves retrieval over a stream of coding-agent tool-call events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDoctorCmd(),
		buildIngestCmd(),
	)

	return rootCmd
}
