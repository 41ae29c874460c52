package store

import (
	"context"
	"math"
	"time"

	"github.com/haasonsaas/agentmemory/pkg/models"
)

// Match is a nearest-neighbour hit against the vector index.
type Match struct {
	Observation *models.Observation
	Similarity  float64
}

// SearchFilters narrows search_with_filters and hybrid_search_v2 by
// project/type/time window, in addition to the query text itself.
type SearchFilters struct {
	Project string
	Type    models.ObservationType
	From    *time.Time
	To      *time.Time
	Limit   int
}

// ObservationStore persists and retrieves Observation rows.
type ObservationStore interface {
	// SaveObservation inserts obs. It returns inserted=false (not an error)
	// when lower(trim(title)) already exists; the caller treats this as a
	// benign duplicate.
	SaveObservation(ctx context.Context, obs *models.Observation) (inserted bool, err error)
	// MergeIntoExisting computes the merge rule between the row identified
	// by existingID and newer, and atomically UPDATEs the keeper row.
	MergeIntoExisting(ctx context.Context, existingID string, newer *models.Observation) (*models.Observation, error)
	// GetObservation fetches a single observation by id.
	GetObservation(ctx context.Context, id string) (*models.Observation, error)
	// ObservationExists reports whether id is already persisted.
	ObservationExists(ctx context.Context, id string) (bool, error)
	// DeleteObservation removes a row, used by the dedup sweep's loser side.
	DeleteObservation(ctx context.Context, id string) error
}

// EmbeddingStore manages the vector index alongside observations.
type EmbeddingStore interface {
	// FindSimilar returns the single nearest neighbour whose similarity is
	// >= threshold. A zero-length or all-zero vec yields (nil, nil).
	FindSimilar(ctx context.Context, vec []float32, threshold float64) (*Match, error)
	// FindSimilarMany returns up to limit neighbours with similarity >=
	// threshold, ordered by descending similarity.
	FindSimilarMany(ctx context.Context, vec []float32, threshold float64, limit int) ([]Match, error)
	// StoreEmbedding replaces the stored vector for an observation.
	StoreEmbedding(ctx context.Context, observationID string, vec []float32) error
	// EmbeddingsFor batches a lookup of embeddings by observation id, for
	// the dedup sweep and echo check.
	EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error)
}

// SessionStore persists sessions and their prompts/summaries.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSessionByContentID(ctx context.Context, contentSessionID string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	// CloseStaleSessions marks any session still `active` past olderThan as
	// failed, returning the count affected.
	CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error)
}

// SummaryStore persists one-to-one session summaries.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s *models.SessionSummary) error
	GetSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error)
}

// PromptStore persists user prompts.
type PromptStore interface {
	SavePrompt(ctx context.Context, p *models.UserPrompt) error
	ListPrompts(ctx context.Context, contentSessionID string) ([]*models.UserPrompt, error)
}

// KnowledgeStore persists the cross-project knowledge base.
type KnowledgeStore interface {
	// UpsertKnowledge inserts or updates (by title) a GlobalKnowledge row.
	UpsertKnowledge(ctx context.Context, k *models.GlobalKnowledge) error
	GetKnowledgeByTitle(ctx context.Context, title string) (*models.GlobalKnowledge, error)
	ListKnowledge(ctx context.Context, limit int) ([]*models.GlobalKnowledge, error)
}

// InjectionStore tracks which observations were injected into which
// sessions, for echo suppression.
type InjectionStore interface {
	// SaveInjectedObservations idempotently records ids as injected into
	// session. Duplicates are silently ignored. A nil/empty ids is a no-op.
	SaveInjectedObservations(ctx context.Context, sessionID string, ids []string) error
	// RecentInjectedIDs returns up to limit most-recently-injected
	// observation ids for a session.
	RecentInjectedIDs(ctx context.Context, sessionID string, limit int) ([]string, error)
	// CleanupOldInjections deletes injection records older than olderThan
	// hours and returns the count removed.
	CleanupOldInjections(ctx context.Context, olderThanHours int) (int, error)
}

// Queue is the at-least-once pending-message queue. See §4.1.
type Queue interface {
	// Enqueue inserts a new pending_messages row with status=pending,
	// retry_count=0, and returns its id.
	Enqueue(ctx context.Context, sessionID, tool, input, response, project string) (int64, error)
	// Claim atomically selects up to batch rows eligible for processing
	// (pending, or processing past visibilityTimeout, with retry_count <
	// maxRetries), marks them processing, and returns them FIFO by id.
	// Concurrent claimers never see the same row.
	Claim(ctx context.Context, batch int, visibilityTimeout time.Duration, maxRetries int) ([]*models.PendingMessage, error)
	// Complete deletes the row for id.
	Complete(ctx context.Context, id int64) error
	// Fail transitions id back to pending (retry_count+1) unless permanent
	// or retry_count+1 >= maxRetries, in which case it becomes failed.
	Fail(ctx context.Context, id int64, permanent bool, maxRetries int) error
	// ReleaseStale returns any row stuck in processing past
	// visibilityTimeout to pending, incrementing retry_count, and reports
	// the count affected.
	ReleaseStale(ctx context.Context, visibilityTimeout time.Duration) (int, error)
}

// SearchStore is the lexical/vector/hybrid primitive surface consumed by
// internal/search.Engine.
type SearchStore interface {
	// SearchWithFilters runs lexical FTS AND-combined with filters. When q
	// is empty, results are newest-first within the filters and no FTS
	// query is issued.
	SearchWithFilters(ctx context.Context, q string, filters SearchFilters) ([]*models.Observation, error)
	// HybridSearchV2 fuses a normalised lexical score (weight 0.5) with
	// cosine similarity (weight 0.5), descending by combined score.
	HybridSearchV2(ctx context.Context, q string, vec []float32, limit int, filters SearchFilters) ([]*models.SearchResult, error)
	// Timeline returns a chronological window. When only from is set the
	// underlying scan is ascending; results are always returned
	// newest-first to the caller.
	Timeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error)
	// ContextForProject returns newest-first observations for a project.
	ContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error)
}

// Stats summarises store size for diagnostics.
type Stats struct {
	ObservationCount int64
	SessionCount     int64
	PendingCount     int64
	KnowledgeCount   int64
	EmbeddingDim     int
}

// StatsStore reports aggregate counts.
type StatsStore interface {
	Stats(ctx context.Context) (Stats, error)
}

// StorageBackend is the union of all per-domain capabilities a concrete
// backend (postgres, sqlite) must satisfy. Implementations are compile-time
// selected; the Pipeline and SearchEngine depend only on this interface.
type StorageBackend interface {
	ObservationStore
	EmbeddingStore
	SessionStore
	SummaryStore
	PromptStore
	KnowledgeStore
	InjectionStore
	Queue
	SearchStore
	StatsStore

	// Migrate runs all pending schema migrations in order, idempotently.
	Migrate(ctx context.Context) error
	// Close releases any held resources (connection pools, file handles).
	Close() error
}

// CosineSimilarity computes dot(a,b) / (|a|*|b|), defined as 0 for empty or
// mismatched-length inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
