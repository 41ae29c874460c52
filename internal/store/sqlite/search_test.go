package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

func TestBuildFTSQueryJoinsTokensWithExplicitAnd(t *testing.T) {
	got := buildFTSQuery("Fixed race condition!")
	want := `"Fixed"* AND "race"* AND "condition"*`
	if got != want {
		t.Fatalf("buildFTSQuery() = %q, want %q", got, want)
	}
}

func TestBuildFTSQueryEmptyOnNoTokens(t *testing.T) {
	if got := buildFTSQuery("   ***   "); got != "" {
		t.Fatalf("expected no tokens to produce an empty query, got %q", got)
	}
}

func TestSearchWithFiltersRequiresAllTokens(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	race := &models.Observation{ID: "a", Title: "Fixed race condition", NoiseLevel: models.NoiseMedium, CreatedAt: time.Now()}
	leak := &models.Observation{ID: "b", Title: "Fixed memory leak", NoiseLevel: models.NoiseMedium, CreatedAt: time.Now()}
	if _, err := b.SaveObservation(ctx, race); err != nil {
		t.Fatalf("SaveObservation: %v", err)
	}
	if _, err := b.SaveObservation(ctx, leak); err != nil {
		t.Fatalf("SaveObservation: %v", err)
	}

	// "race" and "leak" never co-occur in either title, so an AND-combined
	// query across both tokens must return nothing.
	none, err := b.SearchWithFilters(ctx, "race leak", store.SearchFilters{})
	if err != nil {
		t.Fatalf("SearchWithFilters: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected AND of disjoint tokens to match nothing, got %d", len(none))
	}

	both, err := b.SearchWithFilters(ctx, "fixed race", store.SearchFilters{})
	if err != nil {
		t.Fatalf("SearchWithFilters: %v", err)
	}
	if len(both) != 1 || both[0].ID != "a" {
		t.Fatalf("expected only the race observation to match both tokens, got %+v", both)
	}
}
