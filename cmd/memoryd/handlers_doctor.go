package main

import (
	"context"
	"fmt"
	"os"
)

// runDoctor reports config and connectivity problems to stdout, one line
// per check, and returns an error only when a check required for the
// daemon to serve traffic at all fails (an open store connection).
func runDoctor(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Printf("config: database_driver=%s queue_workers=%d dedup_threshold=%.2f\n",
		cfg.DatabaseDriver, cfg.QueueWorkers, cfg.DedupThreshold)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer backend.Close()

	stats, err := backend.Stats(ctx)
	if err != nil {
		fmt.Println("store: reachable, but stats query failed:", err)
	} else {
		fmt.Printf("store: ok (observations=%d sessions=%d pending=%d knowledge=%d)\n",
			stats.ObservationCount, stats.SessionCount, stats.PendingCount, stats.KnowledgeCount)
	}

	if cfg.AnthropicAPIKey == "" {
		fmt.Fprintln(os.Stderr, "warning: ANTHROPIC_API_KEY is not set; serve will refuse to start")
	} else {
		fmt.Println("anthropic: api key present")
	}

	if cfg.OpenAIAPIKey == "" {
		fmt.Fprintln(os.Stderr, "warning: OPENAI_API_KEY is not set; serve will refuse to start")
	} else {
		fmt.Println("openai: api key present")
	}

	return nil
}
