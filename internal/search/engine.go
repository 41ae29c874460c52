// Package search implements the thin retrieval layer over Store: hybrid
// lexical+vector search, semantic search with a lexical fallback, timeline
// windows, and per-project context — the read side of the memory pipeline.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/agentmemory/internal/embeddings"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// Engine is a thin layer over a store.SearchStore. Embedder may be nil, in
// which case every search falls back to lexical-only.
type Engine struct {
	store    store.SearchStore
	embedder embeddings.Provider
	cache    *embeddingCache
	logger   *slog.Logger
}

// New creates an Engine. embedder may be nil for a lexical-only deployment.
func New(backend store.SearchStore, embedder embeddings.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    backend,
		embedder: embedder,
		cache:    newEmbeddingCache(128),
		logger:   logger.With("component", "search"),
	}
}

// tokenize extracts the alphanumeric tokens of q, in the order they appear.
// Used here only to decide whether q has any lexical content worth sending
// to the store at all; the store backends (sqlite's buildFTSQuery, postgres's
// buildTSQuery) do their own tokenizing to build the actual backend-specific
// prefix/AND query, since FTS5 and tsquery syntax differ.
func tokenize(q string) []string {
	return tokenPattern.FindAllString(q, -1)
}

// HybridSearch tokenises q, embeds it when an embedder is configured, and
// fuses lexical and vector scores via the store's hybrid_search_v2. With no
// embedder, or on embedding failure, it falls back to lexical-only search.
// An empty query returns the filters' newest-first window.
func (e *Engine) HybridSearch(ctx context.Context, q string, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	if strings.TrimSpace(q) == "" {
		return e.lexicalOnly(ctx, "", limit, filters)
	}
	if len(tokenize(q)) == 0 {
		return e.lexicalOnly(ctx, q, limit, filters)
	}
	if e.embedder == nil {
		return e.lexicalOnly(ctx, q, limit, filters)
	}

	vec, err := e.embedQuery(ctx, q)
	if err != nil {
		e.logger.Warn("hybrid search: query embedding failed, falling back to lexical", "error", err)
		return e.lexicalOnly(ctx, q, limit, filters)
	}

	results, err := e.store.HybridSearchV2(ctx, q, vec, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("search: hybrid_search_v2: %w", err)
	}
	return results, nil
}

// SemanticSearchWithFallback embeds q and ranks purely by cosine similarity
// (via hybrid_search_v2 with an empty lexical term) when an embedder is
// configured and embedding succeeds; otherwise it falls back to lexical
// search_with_filters.
func (e *Engine) SemanticSearchWithFallback(ctx context.Context, q string, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	if e.embedder == nil || strings.TrimSpace(q) == "" {
		return e.lexicalOnly(ctx, q, limit, filters)
	}

	vec, err := e.embedQuery(ctx, q)
	if err != nil {
		e.logger.Warn("semantic search: query embedding failed, falling back to lexical", "error", err)
		return e.lexicalOnly(ctx, q, limit, filters)
	}

	results, err := e.store.HybridSearchV2(ctx, "", vec, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("search: semantic search: %w", err)
	}
	return results, nil
}

// GetTimeline returns a chronological window, always newest-first to the
// caller regardless of the underlying scan direction.
func (e *Engine) GetTimeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error) {
	obs, err := e.store.Timeline(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("search: timeline: %w", err)
	}
	return obs, nil
}

// GetContextForProject returns newest-first observations for project. The
// caller is responsible for recording the returned ids in the injection log
// when serving a known session.
func (e *Engine) GetContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error) {
	obs, err := e.store.ContextForProject(ctx, project, limit)
	if err != nil {
		return nil, fmt.Errorf("search: context for project %q: %w", project, err)
	}
	return obs, nil
}

func (e *Engine) lexicalOnly(ctx context.Context, q string, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	obs, err := e.store.SearchWithFilters(ctx, q, filters)
	if err != nil {
		return nil, fmt.Errorf("search: search_with_filters: %w", err)
	}
	if limit > 0 && len(obs) > limit {
		obs = obs[:limit]
	}
	results := make([]*models.SearchResult, 0, len(obs))
	for _, o := range obs {
		results = append(results, &models.SearchResult{
			ID:              o.ID,
			Title:           o.Title,
			Subtitle:        o.Subtitle,
			ObservationType: o.Type,
			NoiseLevel:      o.NoiseLevel,
			Score:           1,
		})
	}
	return results, nil
}

// embedQuery returns the cached embedding for q when present, otherwise
// embeds it and populates the cache.
func (e *Engine) embedQuery(ctx context.Context, q string) ([]float32, error) {
	if vec, ok := e.cache.get(q); ok {
		return vec, nil
	}
	vec, err := e.embedder.Embed(ctx, q)
	if err != nil {
		return nil, err
	}
	e.cache.set(q, vec)
	return vec, nil
}
