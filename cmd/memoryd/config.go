// config.go contains configuration loading and store-backend construction
// shared by the CLI commands.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentmemory/internal/config"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/internal/store/postgres"
	"github.com/haasonsaas/agentmemory/internal/store/sqlite"
)

// loadConfig resolves the environment-sourced Config, optionally
// overlaying a YAML file when configPath is non-empty.
func loadConfig(configPath string) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	if strings.TrimSpace(configPath) == "" {
		return cfg, nil
	}
	return config.LoadFile(configPath, cfg)
}

// openBackend opens the configured store backend (sqlite by default,
// postgres when DatabaseDriver is "postgres"), running migrations as part
// of backend construction.
func openBackend(ctx context.Context, cfg config.Config) (store.StorageBackend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver)) {
	case "", "sqlite":
		path := cfg.DatabaseURL
		if path == "" {
			path = ":memory:"
		}
		return sqlite.New(ctx, sqlite.Config{Path: path})
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		return postgres.New(ctx, postgres.Config{DSN: cfg.DatabaseURL})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}
