package config

import (
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedTable(t *testing.T) {
	cfg := Default()
	if cfg.MaxContentChars != 500 || cfg.MaxTotalChars != 8000 || cfg.MaxEvents != 200 {
		t.Fatalf("unexpected content defaults: %+v", cfg)
	}
	if cfg.QueueWorkers != 10 || cfg.MaxRetry != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg)
	}
	if cfg.VisibilityTimeout != 300*time.Second {
		t.Fatalf("unexpected visibility timeout: %v", cfg.VisibilityTimeout)
	}
	if cfg.DedupThreshold != 0.85 || cfg.InjectionDedupThreshold != 0.92 {
		t.Fatalf("unexpected thresholds: %+v", cfg)
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_RETRY", "5")
	t.Setenv("DEDUP_THRESHOLD", "0.9")
	t.Setenv("EXCLUDED_PROJECTS", "scratch-*,~/tmp/*")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MaxRetry != 5 {
		t.Fatalf("expected MaxRetry=5, got %d", cfg.MaxRetry)
	}
	if cfg.DedupThreshold != 0.9 {
		t.Fatalf("expected DedupThreshold=0.9, got %v", cfg.DedupThreshold)
	}
	if len(cfg.ExcludedProjects) != 2 {
		t.Fatalf("expected 2 excluded globs, got %v", cfg.ExcludedProjects)
	}
}

func TestFromEnvRejectsInvalidInt(t *testing.T) {
	t.Setenv("MAX_RETRY", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for invalid MAX_RETRY")
	}
}

