package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentmemory/internal/llmclient"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// fakeStore is a minimal in-memory store.StorageBackend for exercising the
// Scheduler without a real database.
type fakeStore struct {
	mu sync.Mutex

	observations map[string]*models.Observation
	byTitle      map[string]string
	injections   map[string][]string
	pending      []*models.PendingMessage
	nextID       int64

	releaseStaleCalls  int
	closeSessionCalls  int
	cleanupInjections  int
	completedIDs       []int64
	failedIDs          []int64
	mergeCalls         []string
	deletedObservation []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		observations: make(map[string]*models.Observation),
		byTitle:      make(map[string]string),
		injections:   make(map[string][]string),
	}
}

func cloneObs(o *models.Observation) *models.Observation {
	c := *o
	return &c
}

func (f *fakeStore) SaveObservation(ctx context.Context, obs *models.Observation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := obs.NormalizedTitle()
	if _, ok := f.byTitle[key]; ok {
		return false, nil
	}
	f.byTitle[key] = obs.ID
	f.observations[obs.ID] = cloneObs(obs)
	return true, nil
}

func (f *fakeStore) MergeIntoExisting(ctx context.Context, existingID string, newer *models.Observation) (*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls = append(f.mergeCalls, existingID+"<-"+newer.ID)
	existing, ok := f.observations[existingID]
	if !ok {
		return nil, store.NewNotFound("observation", existingID)
	}
	merged := cloneObs(existing)
	merged.Facts = models.UnionOrdered(existing.Facts, newer.Facts)
	f.observations[merged.ID] = cloneObs(merged)
	return merged, nil
}

func (f *fakeStore) GetObservation(ctx context.Context, id string) (*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.observations[id]
	if !ok {
		return nil, store.NewNotFound("observation", id)
	}
	return cloneObs(obs), nil
}

func (f *fakeStore) ObservationExists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.observations[id]
	return ok, nil
}

func (f *fakeStore) DeleteObservation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedObservation = append(f.deletedObservation, id)
	delete(f.observations, id)
	return nil
}

func (f *fakeStore) FindSimilar(ctx context.Context, vec []float32, threshold float64) (*store.Match, error) {
	matches, err := f.FindSimilarMany(ctx, vec, threshold, 1)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

func (f *fakeStore) FindSimilarMany(ctx context.Context, vec []float32, threshold float64, limit int) ([]store.Match, error) {
	return nil, nil
}

func (f *fakeStore) StoreEmbedding(ctx context.Context, observationID string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs, ok := f.observations[observationID]; ok {
		obs.Embedding = vec
	}
	return nil
}

func (f *fakeStore) EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]float32, len(ids))
	for _, id := range ids {
		if obs, ok := f.observations[id]; ok && len(obs.Embedding) > 0 {
			out[id] = obs.Embedding
		}
	}
	return out, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, s *models.Session) error { return nil }
func (f *fakeStore) GetSessionByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	return nil, store.NewNotFound("session", contentSessionID)
}
func (f *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return nil, store.NewNotFound("session", id)
}
func (f *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	return nil
}
func (f *fakeStore) CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSessionCalls++
	return 0, nil
}

func (f *fakeStore) UpsertSummary(ctx context.Context, s *models.SessionSummary) error { return nil }
func (f *fakeStore) GetSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	return nil, store.NewNotFound("summary", sessionID)
}

func (f *fakeStore) SavePrompt(ctx context.Context, p *models.UserPrompt) error { return nil }
func (f *fakeStore) ListPrompts(ctx context.Context, contentSessionID string) ([]*models.UserPrompt, error) {
	return nil, nil
}

func (f *fakeStore) UpsertKnowledge(ctx context.Context, k *models.GlobalKnowledge) error { return nil }
func (f *fakeStore) GetKnowledgeByTitle(ctx context.Context, title string) (*models.GlobalKnowledge, error) {
	return nil, store.NewNotFound("knowledge", title)
}
func (f *fakeStore) ListKnowledge(ctx context.Context, limit int) ([]*models.GlobalKnowledge, error) {
	return nil, nil
}

func (f *fakeStore) SaveInjectedObservations(ctx context.Context, sessionID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injections[sessionID] = append(f.injections[sessionID], ids...)
	return nil
}
func (f *fakeStore) RecentInjectedIDs(ctx context.Context, sessionID string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injections[sessionID], nil
}
func (f *fakeStore) CleanupOldInjections(ctx context.Context, olderThanHours int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupInjections++
	return 0, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, sessionID, tool, input, response, project string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.pending = append(f.pending, &models.PendingMessage{
		ID: f.nextID, SessionID: sessionID, Status: models.MessagePending,
		ToolName: tool, ToolInput: input, ToolResponse: response, Project: project,
	})
	return f.nextID, nil
}

func (f *fakeStore) Claim(ctx context.Context, batch int, visibilityTimeout time.Duration, maxRetries int) ([]*models.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*models.PendingMessage
	var remaining []*models.PendingMessage
	for _, msg := range f.pending {
		if msg.Status == models.MessagePending && len(claimed) < batch {
			msg.Status = models.MessageProcessing
			claimed = append(claimed, msg)
		} else {
			remaining = append(remaining, msg)
		}
	}
	f.pending = remaining
	return claimed, nil
}

func (f *fakeStore) Complete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedIDs = append(f.completedIDs, id)
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id int64, permanent bool, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, id)
	return nil
}

func (f *fakeStore) ReleaseStale(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseStaleCalls++
	return 0, nil
}

func (f *fakeStore) SearchWithFilters(ctx context.Context, q string, filters store.SearchFilters) ([]*models.Observation, error) {
	return nil, nil
}
func (f *fakeStore) HybridSearchV2(ctx context.Context, q string, vec []float32, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	return nil, nil
}
func (f *fakeStore) Timeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Observation, 0, len(f.observations))
	for _, obs := range f.observations {
		out = append(out, cloneObs(obs))
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (f *fakeStore) ContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error) {
	return nil, nil
}

func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{}, nil
}

func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

var _ store.StorageBackend = (*fakeStore)(nil)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (fakeEmbedder) Name() string      { return "fake" }
func (fakeEmbedder) Dimension() int    { return 3 }
func (fakeEmbedder) MaxBatchSize() int { return 1 }

type fakeLLM struct {
	shouldSave bool
}

func (f *fakeLLM) Compress(ctx context.Context, req llmclient.CompressionRequest) (*llmclient.CompressionResult, error) {
	return &llmclient.CompressionResult{
		ShouldSave: f.shouldSave,
		Type:       models.ObservationBugfix,
		Title:      "Processed " + req.Tool,
		Narrative:  "narrative",
		Facts:      []string{"fact"},
		NoiseLevel: models.NoiseMedium,
	}, nil
}

func (f *fakeLLM) ShouldExtractKnowledge(ctx context.Context, obs *models.Observation) (bool, error) {
	return false, nil
}
