// Package embeddings provides interfaces and implementations for embedding
// providers, plus a bounded-concurrency wrapper for batching calls to a
// single provider instance from many pipeline workers at once.
package embeddings

import (
	"context"
	"fmt"
	"runtime"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// Config contains common configuration for embedding providers.
type Config struct {
	Provider string `yaml:"provider"` // openai
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// BoundedProvider wraps a Provider behind a semaphore so a fixed number of
// embed calls are in flight at once, regardless of how many pipeline
// workers call Embed concurrently. The bound defaults to one less than the
// number of logical CPUs, clamped to at least 1, matching the concurrency
// model's thread budget for model access.
type BoundedProvider struct {
	inner Provider
	sem   chan struct{}
}

// NewBounded wraps inner with a concurrency limit. threads <= 0 selects
// runtime.NumCPU()-1 clamped to >= 1.
func NewBounded(inner Provider, threads int) *BoundedProvider {
	if threads <= 0 {
		threads = runtime.NumCPU() - 1
		if threads < 1 {
			threads = 1
		}
	}
	return &BoundedProvider{inner: inner, sem: make(chan struct{}, threads)}
}

func (b *BoundedProvider) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BoundedProvider) release() { <-b.sem }

// Embed generates an embedding for a single text, serialized behind the
// bound.
func (b *BoundedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire embed slot: %w", err)
	}
	defer b.release()
	return b.inner.Embed(ctx, text)
}

// EmbedBatch generates embeddings for multiple texts, serialized behind the
// bound.
func (b *BoundedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire embed slot: %w", err)
	}
	defer b.release()
	return b.inner.EmbedBatch(ctx, texts)
}

func (b *BoundedProvider) Name() string      { return b.inner.Name() }
func (b *BoundedProvider) Dimension() int    { return b.inner.Dimension() }
func (b *BoundedProvider) MaxBatchSize() int { return b.inner.MaxBatchSize() }

var _ Provider = (*BoundedProvider)(nil)
