package maintenance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/agentmemory/internal/concurrency"
	"github.com/haasonsaas/agentmemory/internal/pipeline"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueInterval = 20 * time.Millisecond
	cfg.DedupSweepInterval = 20 * time.Millisecond
	cfg.InjectionGCInterval = 20 * time.Millisecond
	return cfg
}

func TestStartRunsRecoveryBeforeLoops(t *testing.T) {
	fs := newFakeStore()
	pl := pipeline.New(fs, fakeEmbedder{}, &fakeLLM{shouldSave: true}, nil, pipeline.DefaultConfig(), discardLogger())
	s := New(fs, pl, fakeEmbedder{}, concurrency.NewSemaphore(2), testConfig(), discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	if fs.releaseStaleCalls != 1 {
		t.Fatalf("expected release_stale to run once, got %d", fs.releaseStaleCalls)
	}
	if fs.closeSessionCalls != 1 {
		t.Fatalf("expected close_stale_sessions to run once, got %d", fs.closeSessionCalls)
	}
}

func TestQueueProcessorClaimsCompressesAndCompletes(t *testing.T) {
	fs := newFakeStore()
	if _, err := fs.Enqueue(context.Background(), "session-1", "bash", `{"cmd":"ls"}`, "output", "proj"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pl := pipeline.New(fs, fakeEmbedder{}, &fakeLLM{shouldSave: true}, nil, pipeline.DefaultConfig(), discardLogger())
	s := New(fs, pl, fakeEmbedder{}, concurrency.NewSemaphore(2), testConfig(), discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		fs.mu.Lock()
		completed := len(fs.completedIDs)
		fs.mu.Unlock()
		if completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queue message to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.observations) != 1 {
		t.Fatalf("expected one observation persisted, got %d", len(fs.observations))
	}
}

func TestQueueProcessorFailsOnMalformedInput(t *testing.T) {
	fs := newFakeStore()
	if _, err := fs.Enqueue(context.Background(), "session-1", "bash", "not-json", "output", "proj"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pl := pipeline.New(fs, fakeEmbedder{}, &fakeLLM{shouldSave: true}, nil, pipeline.DefaultConfig(), discardLogger())
	s := New(fs, pl, fakeEmbedder{}, concurrency.NewSemaphore(2), testConfig(), discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		fs.mu.Lock()
		failed := len(fs.failedIDs)
		fs.mu.Unlock()
		if failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for malformed message to fail")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSweepOnceMergesSimilarPairAndDeletesLoser(t *testing.T) {
	fs := newFakeStore()
	keeper := &models.Observation{
		ID: "keeper", Title: "Keeper", NoiseLevel: models.NoiseHigh,
		Embedding: []float32{1, 0, 0}, CreatedAt: time.Now().Add(-time.Hour),
	}
	loser := &models.Observation{
		ID: "loser", Title: "Loser", NoiseLevel: models.NoiseLow,
		Embedding: []float32{0.99, 0.14, 0}, CreatedAt: time.Now(),
	}
	fs.observations[keeper.ID] = keeper
	fs.observations[loser.ID] = loser

	cfg := testConfig()
	cfg.DedupThreshold = 0.85
	regen := &recordingEmbedder{vec: []float32{0, 1, 0}}
	s := New(fs, nil, regen, concurrency.NewSemaphore(1), cfg, discardLogger())

	if err := s.sweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fs.mergeCalls) != 1 {
		t.Fatalf("expected exactly one merge, got %v", fs.mergeCalls)
	}
	if len(fs.deletedObservation) != 1 || fs.deletedObservation[0] != loser.ID {
		t.Fatalf("expected loser deleted, got %v", fs.deletedObservation)
	}

	if regen.calls != 1 {
		t.Fatalf("expected the keeper to be re-embedded exactly once, got %d", regen.calls)
	}
	fs.mu.Lock()
	kept := fs.observations[keeper.ID]
	fs.mu.Unlock()
	if len(kept.Embedding) != 3 || kept.Embedding[0] != 0 || kept.Embedding[1] != 1 {
		t.Fatalf("expected keeper embedding replaced with regenerated vector, got %v", kept.Embedding)
	}
}

// recordingEmbedder always returns vec and counts how many times Embed was
// called, so tests can assert a merge actually triggered re-embedding.
type recordingEmbedder struct {
	vec   []float32
	calls int
}

func (r *recordingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	r.calls++
	return r.vec, nil
}
func (r *recordingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (r *recordingEmbedder) Name() string      { return "recording" }
func (r *recordingEmbedder) Dimension() int    { return len(r.vec) }
func (r *recordingEmbedder) MaxBatchSize() int { return 1 }

func TestSweepSkippedWhenThresholdNonPositive(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	cfg.DedupThreshold = 0
	s := New(fs, nil, fakeEmbedder{}, concurrency.NewSemaphore(1), cfg, discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if len(fs.mergeCalls) != 0 {
		t.Fatal("expected no merges when dedup threshold is non-positive")
	}
}

func TestInjectionGCRunsPeriodically(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, nil, fakeEmbedder{}, concurrency.NewSemaphore(1), testConfig(), discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		fs.mu.Lock()
		n := fs.cleanupInjections
		fs.mu.Unlock()
		if n >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for injection gc to run")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
