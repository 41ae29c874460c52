// Package maintenance runs the background loops that keep the store
// healthy: the queue processor that drives the pipeline, the dedup sweep
// that merges near-duplicate observations the pipeline's inline check
// missed, and the injection GC that trims old echo-suppression records.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/agentmemory/internal/concurrency"
	"github.com/haasonsaas/agentmemory/internal/embeddings"
	"github.com/haasonsaas/agentmemory/internal/pipeline"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// Config tunes the three maintenance loops and the startup recovery step.
type Config struct {
	QueueInterval      time.Duration
	QueueBatch         int
	VisibilityTimeout  time.Duration
	MaxRetry           int
	QueueWorkers       int
	DedupSweepInterval        time.Duration
	DedupThreshold            float64
	DedupSweepLimit           int
	InjectionGCInterval       time.Duration
	InjectionGCOlderThanHours int
	StaleSessionAfter         time.Duration
}

// DefaultConfig matches the documented defaults: a 5s queue poll, 10
// concurrent workers, a 500-observation dedup sweep window, and 24h
// injection/session staleness windows.
func DefaultConfig() Config {
	return Config{
		QueueInterval:             5 * time.Second,
		QueueBatch:                10,
		VisibilityTimeout:         300 * time.Second,
		MaxRetry:                  3,
		QueueWorkers:              10,
		DedupSweepInterval:        time.Hour,
		DedupThreshold:            0.85,
		DedupSweepLimit:           500,
		InjectionGCInterval:       time.Hour,
		InjectionGCOlderThanHours: 24,
		StaleSessionAfter:         24 * time.Hour,
	}
}

// Scheduler owns the background loops. Callers run Start once at process
// startup (after which the queue processor, dedup sweep, and injection GC
// run until Stop is called) and must call Stop to drain in-flight work.
type Scheduler struct {
	store    store.StorageBackend
	pipeline *pipeline.Pipeline
	embedder embeddings.Provider
	sem      *concurrency.Semaphore
	cfg      Config
	logger   *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a Scheduler. sem bounds how many pipeline tasks the queue
// processor may run concurrently. embedder re-embeds the keeper side of a
// dedup-sweep merge from its merged text; a nil embedder disables that
// re-embedding step (the merge still happens, the keeper's vector is just
// left as-is).
func New(backend store.StorageBackend, pl *pipeline.Pipeline, embedder embeddings.Provider, sem *concurrency.Semaphore, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if sem == nil {
		sem = concurrency.NewSemaphore(cfg.QueueWorkers)
	}
	return &Scheduler{
		store:    backend,
		pipeline: pl,
		embedder: embedder,
		sem:      sem,
		cfg:      cfg,
		logger:   logger.With("component", "maintenance"),
	}
}

// Start runs the synchronous startup recovery (release_stale then
// close_stale_sessions) and then launches the three background loops.
func (s *Scheduler) Start(ctx context.Context) error {
	released, err := s.store.ReleaseStale(ctx, s.cfg.VisibilityTimeout)
	if err != nil {
		return fmt.Errorf("maintenance: release stale: %w", err)
	}
	if released > 0 {
		s.logger.Info("released stale queue leases", "count", released)
	}

	closed, err := s.store.CloseStaleSessions(ctx, s.cfg.StaleSessionAfter)
	if err != nil {
		return fmt.Errorf("maintenance: close stale sessions: %w", err)
	}
	if closed > 0 {
		s.logger.Info("closed stale sessions", "count", closed)
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(3)
	go s.runQueueProcessor(ctx)
	go s.runDedupSweep(ctx)
	go s.runInjectionGC(ctx)
	return nil
}

// Stop signals all loops to exit and waits for in-flight pipeline tasks to
// drain.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runQueueProcessor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.QueueInterval)
	defer ticker.Stop()

	var tasks sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			tasks.Wait()
			return
		case <-s.stopCh:
			tasks.Wait()
			return
		case <-ticker.C:
			s.claimAndDispatch(ctx, &tasks)
		}
	}
}

func (s *Scheduler) claimAndDispatch(ctx context.Context, tasks *sync.WaitGroup) {
	messages, err := s.store.Claim(ctx, s.cfg.QueueBatch, s.cfg.VisibilityTimeout, s.cfg.MaxRetry)
	if err != nil {
		s.logger.Warn("queue claim failed", "error", err)
		return
	}
	for _, msg := range messages {
		if err := s.sem.Acquire(ctx); err != nil {
			return
		}
		tasks.Add(1)
		go func(msg *models.PendingMessage) {
			defer tasks.Done()
			defer s.sem.Release()
			s.processMessage(ctx, msg)
		}(msg)
	}
}

func (s *Scheduler) processMessage(ctx context.Context, msg *models.PendingMessage) {
	call, err := toolCallFromMessage(msg)
	if err != nil {
		s.logger.Warn("malformed queue message, failing permanently", "id", msg.ID, "error", err)
		if failErr := s.store.Fail(ctx, msg.ID, true, s.cfg.MaxRetry); failErr != nil {
			s.logger.Warn("failed to mark malformed message failed", "id", msg.ID, "error", failErr)
		}
		return
	}

	id := pipeline.ObservationIDForMessage(msg.ID)
	if _, err := s.pipeline.Process(ctx, id, call); err != nil {
		s.logger.Warn("pipeline processing failed, releasing for retry", "id", msg.ID, "error", err)
		if failErr := s.store.Fail(ctx, msg.ID, false, s.cfg.MaxRetry); failErr != nil {
			s.logger.Warn("failed to mark message failed", "id", msg.ID, "error", failErr)
		}
		return
	}

	if err := s.store.Complete(ctx, msg.ID); err != nil {
		s.logger.Warn("failed to complete queue message", "id", msg.ID, "error", err)
	}
}

func toolCallFromMessage(msg *models.PendingMessage) (models.ToolCall, error) {
	var input map[string]any
	if msg.ToolInput != "" {
		if err := json.Unmarshal([]byte(msg.ToolInput), &input); err != nil {
			return models.ToolCall{}, fmt.Errorf("decode tool_input: %w", err)
		}
	}
	return models.ToolCall{
		Tool:      msg.ToolName,
		SessionID: msg.SessionID,
		Project:   msg.Project,
		Input:     input,
		Output:    msg.ToolResponse,
	}, nil
}

func (s *Scheduler) runDedupSweep(ctx context.Context) {
	defer s.wg.Done()
	if s.cfg.DedupThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.DedupSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Warn("dedup sweep failed", "error", err)
			}
		}
	}
}

// sweepOnce loads the most recent DedupSweepLimit observations, computes
// upper-triangular pairwise cosine similarity over their embeddings, and
// merges the lower-importance side of every pair at or above the dedup
// threshold into the higher-importance keeper (earliest created_at breaks a
// noise-level tie, for determinism).
func (s *Scheduler) sweepOnce(ctx context.Context) error {
	recent, err := s.store.Timeline(ctx, nil, nil, s.cfg.DedupSweepLimit)
	if err != nil {
		return fmt.Errorf("load recent observations: %w", err)
	}
	if len(recent) < 2 {
		return nil
	}

	ids := make([]string, len(recent))
	for i, obs := range recent {
		ids[i] = obs.ID
	}
	embeddingsByID, err := s.store.EmbeddingsFor(ctx, ids)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}

	merged := make(map[string]bool, len(recent))
	for i := 0; i < len(recent); i++ {
		a := recent[i]
		if merged[a.ID] {
			continue
		}
		vecA, ok := embeddingsByID[a.ID]
		if !ok || len(vecA) == 0 {
			continue
		}
		for j := i + 1; j < len(recent); j++ {
			b := recent[j]
			if merged[b.ID] {
				continue
			}
			vecB, ok := embeddingsByID[b.ID]
			if !ok || len(vecB) == 0 {
				continue
			}
			if store.CosineSimilarity(vecA, vecB) < s.cfg.DedupThreshold {
				continue
			}
			keeper, loser := keeperAndLoser(a, b)
			mergedObs, err := s.store.MergeIntoExisting(ctx, keeper.ID, loser)
			if err != nil {
				s.logger.Warn("dedup sweep merge failed", "keeper", keeper.ID, "loser", loser.ID, "error", err)
				continue
			}
			s.regenerateEmbedding(ctx, mergedObs)
			if err := s.store.DeleteObservation(ctx, loser.ID); err != nil {
				s.logger.Warn("dedup sweep failed to delete merged loser", "id", loser.ID, "error", err)
			}
			merged[loser.ID] = true
			if loser.ID == a.ID {
				a = mergedObs
			} else {
				b = mergedObs
			}
		}
	}
	return nil
}

// regenerateEmbedding re-embeds a just-merged observation from its merged
// text and replaces the stored vector, mirroring the inline dedup path's
// pipeline.mergeAndPersist. Left as a no-op when no embedder is configured;
// any embed or store failure is logged and otherwise non-fatal, since the
// merge itself has already succeeded.
func (s *Scheduler) regenerateEmbedding(ctx context.Context, merged *models.Observation) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, pipeline.EmbeddingText(merged))
	if err != nil {
		s.logger.Warn("dedup sweep: re-embedding merged observation failed", "id", merged.ID, "error", err)
		return
	}
	merged.Embedding = vec
	if err := s.store.StoreEmbedding(ctx, merged.ID, vec); err != nil {
		s.logger.Warn("dedup sweep: failed to store re-embedded merge vector", "id", merged.ID, "error", err)
	}
}

// keeperAndLoser picks the higher-importance side of a duplicate pair.
// Noise-level ordinal breaks the tie; when that also ties, the earlier
// created_at wins, for determinism.
func keeperAndLoser(a, b *models.Observation) (keeper, loser *models.Observation) {
	switch {
	case a.NoiseLevel.Ordinal() < b.NoiseLevel.Ordinal():
		return a, b
	case b.NoiseLevel.Ordinal() < a.NoiseLevel.Ordinal():
		return b, a
	}
	times := []*models.Observation{a, b}
	sort.SliceStable(times, func(i, j int) bool {
		return times[i].CreatedAt.Before(times[j].CreatedAt)
	})
	return times[0], times[1]
}

func (s *Scheduler) runInjectionGC(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.InjectionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.store.CleanupOldInjections(ctx, s.cfg.InjectionGCOlderThanHours)
			if err != nil {
				s.logger.Warn("injection gc failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("cleaned up stale injection records", "count", n)
			}
		}
	}
}
