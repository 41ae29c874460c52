package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// fakeStore is a minimal in-memory store.StorageBackend used to exercise
// Pipeline.Process without a real database.
type fakeStore struct {
	mu           sync.Mutex
	observations map[string]*models.Observation
	byTitle      map[string]string
	sessions     map[string]*models.Session
	injections   map[string][]string
	knowledge    map[string]*models.GlobalKnowledge
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		observations: make(map[string]*models.Observation),
		byTitle:      make(map[string]string),
		sessions:     make(map[string]*models.Session),
		injections:   make(map[string][]string),
		knowledge:    make(map[string]*models.GlobalKnowledge),
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
	existing, ok := f.observations[existingID]
	if !ok {
		return nil, store.NewNotFound("observation", existingID)
	}
	merged := &models.Observation{
		ID:              existing.ID,
		SessionID:       existing.SessionID,
		Project:         existing.Project,
		Type:            newer.Type,
		Title:           newer.Title,
		Subtitle:        longer(existing.Subtitle, newer.Subtitle),
		Narrative:       longer(existing.Narrative, newer.Narrative),
		Facts:           models.UnionOrdered(existing.Facts, newer.Facts),
		Concepts:        models.UnionConcepts(existing.Concepts, newer.Concepts),
		FilesRead:       models.UnionOrdered(existing.FilesRead, newer.FilesRead),
		FilesModified:   models.UnionOrdered(existing.FilesModified, newer.FilesModified),
		Keywords:        models.UnionOrdered(existing.Keywords, newer.Keywords),
		PromptNumber:    newer.PromptNumber,
		DiscoveryTokens: newer.DiscoveryTokens,
		NoiseReason:     existing.NoiseReason,
		Embedding:       newer.Embedding,
		CreatedAt:       existing.CreatedAt,
	}
	if newer.NoiseReason != "" {
		merged.NoiseReason = newer.NoiseReason
	}
	if newer.NoiseLevel.MoreImportant(existing.NoiseLevel) {
		merged.NoiseLevel = newer.NoiseLevel
	} else {
		merged.NoiseLevel = existing.NoiseLevel
	}
	f.observations[merged.ID] = cloneObs(merged)
	return merged, nil
}

func longer(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(vec) == 0 {
		return nil, nil
	}
	var best []store.Match
	for _, obs := range f.observations {
		if len(obs.Embedding) == 0 {
			continue
		}
		sim := store.CosineSimilarity(vec, obs.Embedding)
		if sim >= threshold {
			best = append(best, store.Match{Observation: cloneObs(obs), Similarity: sim})
		}
	}
	if len(best) > limit {
		best = best[:limit]
	}
	return best, nil
}

func (f *fakeStore) StoreEmbedding(ctx context.Context, observationID string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obs, ok := f.observations[observationID]
	if !ok {
		return store.NewNotFound("observation", observationID)
	}
	obs.Embedding = vec
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

func (f *fakeStore) CreateSession(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ContentSessionID] = s
	return nil
}

func (f *fakeStore) GetSessionByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[contentSessionID]
	if !ok {
		return nil, store.NewNotFound("session", contentSessionID)
	}
	return s, nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, store.NewNotFound("session", id)
}

func (f *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	return nil
}

func (f *fakeStore) CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
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

func (f *fakeStore) UpsertKnowledge(ctx context.Context, k *models.GlobalKnowledge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knowledge[k.Title] = k
	return nil
}
func (f *fakeStore) GetKnowledgeByTitle(ctx context.Context, title string) (*models.GlobalKnowledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.knowledge[title]
	if !ok {
		return nil, store.NewNotFound("knowledge", title)
	}
	return k, nil
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
	ids := f.injections[sessionID]
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
func (f *fakeStore) CleanupOldInjections(ctx context.Context, olderThanHours int) (int, error) {
	return 0, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, sessionID, tool, input, response, project string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) Claim(ctx context.Context, batch int, visibilityTimeout time.Duration, maxRetries int) ([]*models.PendingMessage, error) {
	return nil, nil
}
func (f *fakeStore) Complete(ctx context.Context, id int64) error { return nil }
func (f *fakeStore) Fail(ctx context.Context, id int64, permanent bool, maxRetries int) error {
	return nil
}
func (f *fakeStore) ReleaseStale(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) SearchWithFilters(ctx context.Context, q string, filters store.SearchFilters) ([]*models.Observation, error) {
	return nil, nil
}
func (f *fakeStore) HybridSearchV2(ctx context.Context, q string, vec []float32, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	return nil, nil
}
func (f *fakeStore) Timeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error) {
	return nil, nil
}
func (f *fakeStore) ContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error) {
	return nil, nil
}

func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Stats{ObservationCount: int64(len(f.observations))}, nil
}

func (f *fakeStore) Migrate(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

var _ store.StorageBackend = (*fakeStore)(nil)
