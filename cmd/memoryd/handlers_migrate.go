package main

import (
	"context"
	"fmt"
	"log/slog"
)

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	slog.Default().Info("migrations applied", "database_driver", cfg.DatabaseDriver)
	return nil
}
