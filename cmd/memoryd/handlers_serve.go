package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/agentmemory/internal/concurrency"
	"github.com/haasonsaas/agentmemory/internal/config"
	"github.com/haasonsaas/agentmemory/internal/embeddings"
	"github.com/haasonsaas/agentmemory/internal/embeddings/openai"
	"github.com/haasonsaas/agentmemory/internal/llmclient"
	"github.com/haasonsaas/agentmemory/internal/maintenance"
	"github.com/haasonsaas/agentmemory/internal/pipeline"
	"github.com/haasonsaas/agentmemory/internal/search"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	logger := slog.Default()

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}

	llm, err := buildLlmClient(cfg)
	if err != nil {
		return err
	}

	notifier := pipeline.NewNotifier(logger)
	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.ExcludedProjectGlobs = cfg.ExcludedProjects
	pipelineCfg.DedupThreshold = cfg.DedupThreshold
	pipelineCfg.InjectionDedupThreshold = cfg.InjectionDedupThreshold
	pl := pipeline.New(backend, embedder, llm, notifier, pipelineCfg, logger)

	// The search engine serves retrieval over the same backend and embedder;
	// it has no background loop of its own, so it is constructed here ready
	// for whatever retrieval surface (CLI subcommand, RPC) calls it.
	_ = search.New(backend, embedder, logger)

	maintCfg := maintenance.DefaultConfig()
	maintCfg.QueueBatch = cfg.QueueWorkers
	maintCfg.QueueWorkers = cfg.QueueWorkers
	maintCfg.VisibilityTimeout = cfg.VisibilityTimeout
	maintCfg.MaxRetry = cfg.MaxRetry
	maintCfg.DedupThreshold = cfg.DedupThreshold

	sched := maintenance.New(backend, pl, embedder, concurrency.NewSemaphore(cfg.QueueWorkers), maintCfg, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("memoryd serving", "database_driver", cfg.DatabaseDriver, "queue_workers", cfg.QueueWorkers)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// buildEmbedder wraps the configured OpenAI embedding provider behind the
// concurrency bound named in the resource model.
func buildEmbedder(cfg config.Config) (embeddings.Provider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	provider, err := openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, Model: cfg.EmbeddingModel})
	if err != nil {
		return nil, fmt.Errorf("build embedding provider: %w", err)
	}
	return embeddings.NewBounded(provider, cfg.EmbeddingThreads), nil
}

func buildLlmClient(cfg config.Config) (llmclient.LlmClient, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return llmclient.NewAnthropicClient(llmclient.AnthropicConfig{APIKey: cfg.AnthropicAPIKey})
}
