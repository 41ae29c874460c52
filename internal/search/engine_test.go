package search

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

type fakeSearchStore struct {
	lexicalCalls   int
	lastLexicalQ   string
	hybridCalls    int
	lastHybridQ    string
	lastHybridVec  []float32
	lexicalResult  []*models.Observation
	hybridResult   []*models.SearchResult
	timelineResult []*models.Observation
	contextResult  []*models.Observation
	err            error
}

func (f *fakeSearchStore) SearchWithFilters(ctx context.Context, q string, filters store.SearchFilters) ([]*models.Observation, error) {
	f.lexicalCalls++
	f.lastLexicalQ = q
	if f.err != nil {
		return nil, f.err
	}
	return f.lexicalResult, nil
}

func (f *fakeSearchStore) HybridSearchV2(ctx context.Context, q string, vec []float32, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	f.hybridCalls++
	f.lastHybridQ = q
	f.lastHybridVec = vec
	if f.err != nil {
		return nil, f.err
	}
	return f.hybridResult, nil
}

func (f *fakeSearchStore) Timeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error) {
	return f.timelineResult, f.err
}

func (f *fakeSearchStore) ContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error) {
	return f.contextResult, f.err
}

type fakeQueryEmbedder struct {
	vec      []float32
	err      error
	embedded int
}

func (f *fakeQueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedded++
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeQueryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeQueryEmbedder) Name() string      { return "fake" }
func (f *fakeQueryEmbedder) Dimension() int    { return 3 }
func (f *fakeQueryEmbedder) MaxBatchSize() int { return 1 }

func TestHybridSearchEmptyQueryIsLexicalNewestFirst(t *testing.T) {
	fs := &fakeSearchStore{lexicalResult: []*models.Observation{{ID: "o1", Title: "t"}}}
	e := New(fs, &fakeQueryEmbedder{vec: []float32{1, 0, 0}}, nil)

	results, err := e.HybridSearch(context.Background(), "", 10, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hybridCalls != 0 {
		t.Fatal("expected no vector search for an empty query")
	}
	if len(results) != 1 || results[0].ID != "o1" {
		t.Fatalf("expected lexical fallback result, got %+v", results)
	}
}

func TestHybridSearchUsesEmbedderWhenAvailable(t *testing.T) {
	fs := &fakeSearchStore{hybridResult: []*models.SearchResult{{ID: "o1"}}}
	embedder := &fakeQueryEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	e := New(fs, embedder, nil)

	_, err := e.HybridSearch(context.Background(), "fix race condition", 10, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hybridCalls != 1 {
		t.Fatalf("expected one hybrid_search_v2 call, got %d", fs.hybridCalls)
	}
	if fs.lastHybridQ != "fix race condition" {
		t.Fatalf("expected query passed through, got %q", fs.lastHybridQ)
	}
}

func TestHybridSearchFallsBackWithoutEmbedder(t *testing.T) {
	fs := &fakeSearchStore{lexicalResult: []*models.Observation{{ID: "o1", Title: "t"}}}
	e := New(fs, nil, nil)

	results, err := e.HybridSearch(context.Background(), "fix race condition", 10, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hybridCalls != 0 {
		t.Fatal("expected no vector search without an embedder")
	}
	if len(results) != 1 {
		t.Fatalf("expected lexical fallback result, got %+v", results)
	}
}

func TestHybridSearchFallsBackOnEmbedFailure(t *testing.T) {
	fs := &fakeSearchStore{lexicalResult: []*models.Observation{{ID: "o1", Title: "t"}}}
	e := New(fs, &fakeQueryEmbedder{err: context.DeadlineExceeded}, nil)

	results, err := e.HybridSearch(context.Background(), "fix race condition", 10, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hybridCalls != 0 || fs.lexicalCalls != 1 {
		t.Fatal("expected fallback to lexical search on embedding failure")
	}
	if len(results) != 1 {
		t.Fatal("expected lexical fallback result")
	}
}

func TestHybridSearchCachesQueryEmbedding(t *testing.T) {
	fs := &fakeSearchStore{hybridResult: []*models.SearchResult{{ID: "o1"}}}
	embedder := &fakeQueryEmbedder{vec: []float32{1, 0, 0}}
	e := New(fs, embedder, nil)

	ctx := context.Background()
	if _, err := e.HybridSearch(ctx, "same query", 10, store.SearchFilters{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.HybridSearch(ctx, "same query", 10, store.SearchFilters{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embedder.embedded != 1 {
		t.Fatalf("expected query embedding to be cached, embedded %d times", embedder.embedded)
	}
}

func TestSemanticSearchWithFallbackUsesPureVectorRanking(t *testing.T) {
	fs := &fakeSearchStore{hybridResult: []*models.SearchResult{{ID: "o1"}}}
	embedder := &fakeQueryEmbedder{vec: []float32{0.5, 0.5, 0}}
	e := New(fs, embedder, nil)

	_, err := e.SemanticSearchWithFallback(context.Background(), "fix race condition", 5, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.lastHybridQ != "" {
		t.Fatalf("expected empty lexical term for pure semantic ranking, got %q", fs.lastHybridQ)
	}
	if len(fs.lastHybridVec) != 3 {
		t.Fatal("expected query vector forwarded to hybrid_search_v2")
	}
}

func TestSemanticSearchWithFallbackWithoutEmbedderIsLexical(t *testing.T) {
	fs := &fakeSearchStore{lexicalResult: []*models.Observation{{ID: "o1", Title: "t"}}}
	e := New(fs, nil, nil)

	results, err := e.SemanticSearchWithFallback(context.Background(), "fix race condition", 5, store.SearchFilters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.hybridCalls != 0 || len(results) != 1 {
		t.Fatal("expected lexical fallback without an embedder")
	}
}

func TestGetTimelineDelegatesToStore(t *testing.T) {
	fs := &fakeSearchStore{timelineResult: []*models.Observation{{ID: "o1"}, {ID: "o2"}}}
	e := New(fs, nil, nil)

	obs, err := e.GetTimeline(context.Background(), nil, nil, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
}

func TestGetContextForProjectDelegatesToStore(t *testing.T) {
	fs := &fakeSearchStore{contextResult: []*models.Observation{{ID: "o1"}, {ID: "o2"}, {ID: "o3"}}}
	e := New(fs, nil, nil)

	obs, err := e.GetContextForProject(context.Background(), "my-project", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(obs))
	}
}

var _ store.SearchStore = (*fakeSearchStore)(nil)
