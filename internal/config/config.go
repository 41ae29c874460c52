// Package config resolves the daemon's environment-sourced settings, with an
// optional YAML file overlay loaded the way the broader codebase's config
// loader resolves settings (gopkg.in/yaml.v3, never viper).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of tunables named in the external-interfaces
// configuration table. All fields are environment-sourced, with defaults
// applied when a variable is unset or empty.
type Config struct {
	MaxContentChars         int     `yaml:"max_content_chars"`
	MaxTotalChars           int     `yaml:"max_total_chars"`
	MaxEvents               int     `yaml:"max_events"`
	EmbeddingThreads        int     `yaml:"embedding_threads"`
	QueueWorkers            int     `yaml:"queue_workers"`
	MaxRetry                int     `yaml:"max_retry"`
	VisibilityTimeout       time.Duration
	ExcludedProjects        []string `yaml:"excluded_projects"`
	DedupThreshold          float64  `yaml:"dedup_threshold"`
	InjectionDedupThreshold float64  `yaml:"injection_dedup_threshold"`

	DatabaseURL     string `yaml:"database_url"`
	DatabaseDriver  string `yaml:"database_driver"` // "sqlite" or "postgres"
	AnthropicAPIKey string
	OpenAIAPIKey    string
	EmbeddingModel  string `yaml:"embedding_model"`
}

// Default returns the configuration table's documented defaults.
func Default() Config {
	return Config{
		MaxContentChars:         500,
		MaxTotalChars:           8000,
		MaxEvents:               200,
		EmbeddingThreads:        0,
		QueueWorkers:            10,
		MaxRetry:                3,
		VisibilityTimeout:       300 * time.Second,
		ExcludedProjects:        nil,
		DedupThreshold:          0.85,
		InjectionDedupThreshold: 0.92,
		DatabaseDriver:          "sqlite",
		EmbeddingModel:          "text-embedding-3-small",
	}
}

// FromEnv resolves Config from the process environment, falling back to
// Default() for any variable that is unset or empty.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("MAX_CONTENT_CHARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_CONTENT_CHARS: %w", err)
		}
		cfg.MaxContentChars = n
	}
	if v := os.Getenv("MAX_TOTAL_CHARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_TOTAL_CHARS: %w", err)
		}
		cfg.MaxTotalChars = n
	}
	if v := os.Getenv("MAX_EVENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_EVENTS: %w", err)
		}
		cfg.MaxEvents = n
	}
	if v := os.Getenv("EMBEDDING_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: EMBEDDING_THREADS: %w", err)
		}
		cfg.EmbeddingThreads = n
	}
	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: QUEUE_WORKERS: %w", err)
		}
		cfg.QueueWorkers = n
	}
	if v := os.Getenv("MAX_RETRY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_RETRY: %w", err)
		}
		cfg.MaxRetry = n
	}
	if v := os.Getenv("VISIBILITY_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: VISIBILITY_TIMEOUT: %w", err)
		}
		cfg.VisibilityTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("EXCLUDED_PROJECTS"); v != "" {
		cfg.ExcludedProjects = splitGlobs(v)
	}
	if v := os.Getenv("DEDUP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: DEDUP_THRESHOLD: %w", err)
		}
		cfg.DedupThreshold = f
	}
	if v := os.Getenv("INJECTION_DEDUP_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: INJECTION_DEDUP_THRESHOLD: %w", err)
		}
		cfg.InjectionDedupThreshold = f
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = v
	}
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}

	return cfg, nil
}

// splitGlobs parses the comma-separated EXCLUDED_PROJECTS value, expanding a
// leading ~ to the user's home directory in each entry.
func splitGlobs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, expandHome(p))
	}
	return out
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	rest := strings.TrimPrefix(p, "~")
	return filepath.Join(home, rest)
}

