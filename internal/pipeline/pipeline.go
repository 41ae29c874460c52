// Package pipeline implements the ObservationPipeline: compress a raw
// tool-call event into a structured Observation, sanitise and embed it,
// dedup it against recent injections and the vector index, persist it, and
// fire the best-effort notification and knowledge-extraction side effects.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentmemory/internal/embeddings"
	"github.com/haasonsaas/agentmemory/internal/llmclient"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// OIDNamespace seeds the UUIDv5 used to derive deterministic observation ids
// for queue-driven ingestion, so retries of the same pending message always
// land on the same observation id.
var OIDNamespace = uuid.MustParse("6f6d6167-656d-6f72-7900-000000000000")

// recentInjectionsLimit caps how many previously-injected ids the echo
// check loads per session.
const recentInjectionsLimit = 500

// Config tunes the pipeline's filtering and dedup behaviour.
type Config struct {
	ExcludedProjectGlobs    []string
	LowValuePatterns        []Pattern
	DedupThreshold          float64
	InjectionDedupThreshold float64
}

// DefaultConfig returns the documented default thresholds with the baked-in
// low-value patterns.
func DefaultConfig() Config {
	return Config{
		LowValuePatterns:        DefaultLowValuePatterns,
		DedupThreshold:          0.85,
		InjectionDedupThreshold: 0.92,
	}
}

// Pipeline is the process(id, tool_call) state machine described by the
// component design: project filter, existence short-circuit, compress,
// sanitise, embed, echo check, semantic dedup, persist, notify, extract.
type Pipeline struct {
	store    store.StorageBackend
	embedder embeddings.Provider
	llm      llmclient.LlmClient
	notifier *Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Pipeline. notifier may be nil, in which case Publish is a
// no-op.
func New(backend store.StorageBackend, embedder embeddings.Provider, llm llmclient.LlmClient, notifier *Notifier, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewNotifier(logger)
	}
	if cfg.DedupThreshold == 0 {
		cfg.DedupThreshold = 0.85
	}
	if cfg.InjectionDedupThreshold == 0 {
		cfg.InjectionDedupThreshold = 0.92
	}
	return &Pipeline{
		store:    backend,
		embedder: embedder,
		llm:      llm,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// ObservationIDForMessage derives the deterministic observation id for a
// queue-driven tool call, making retries of the same pending message
// idempotent at the observation level. Callers must never generate a random
// id on the queue path.
func ObservationIDForMessage(messageID int64) string {
	return uuid.NewSHA1(OIDNamespace, []byte(fmt.Sprintf("%d", messageID))).String()
}

// Process runs the full pipeline for one tool call, returning the
// Observation that resulted (already-existing, merged, or newly persisted),
// or nil when the call was filtered, dropped as low-value, deduped as an
// echo, or silently ignored as a title collision.
func (p *Pipeline) Process(ctx context.Context, id string, call models.ToolCall) (*models.Observation, error) {
	if p.isExcludedProject(call.Project) {
		return nil, nil
	}

	exists, err := p.store.ObservationExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline: check existence: %w", err)
	}
	if exists {
		obs, err := p.store.GetObservation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("pipeline: fetch existing observation: %w", err)
		}
		return obs, nil
	}

	promptNumber := p.promptNumberFor(ctx, call.SessionID)

	compressed, err := p.llm.Compress(ctx, llmclient.CompressionRequest{
		Tool:         call.Tool,
		SessionID:    call.SessionID,
		Project:      call.Project,
		Input:        call.Input,
		Output:       call.Output,
		PromptNumber: promptNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: compress: %w", err)
	}
	if !compressed.ShouldSave {
		return nil, nil
	}
	if IsLowValue(compressed.Title, p.cfg.LowValuePatterns) {
		return nil, nil
	}

	title, narrative, facts := sanitize(compressed.Title, compressed.Narrative, compressed.Facts)

	obs := &models.Observation{
		ID:              id,
		SessionID:       call.SessionID,
		Project:         call.Project,
		Type:            compressed.Type,
		Title:           title,
		Subtitle:        compressed.Subtitle,
		Narrative:       narrative,
		Facts:           facts,
		Concepts:        compressed.Concepts,
		FilesRead:       compressed.FilesRead,
		FilesModified:   compressed.FilesModified,
		Keywords:        compressed.Keywords,
		PromptNumber:    promptNumber,
		DiscoveryTokens: compressed.DiscoveryTokens,
		NoiseLevel:      compressed.NoiseLevel,
		NoiseReason:     compressed.NoiseReason,
		CreatedAt:       time.Now(),
	}

	if vec, embedErr := p.embedder.Embed(ctx, EmbeddingText(obs)); embedErr != nil {
		p.logger.Warn("pipeline: embedding failed, proceeding without embedding", "id", id, "error", embedErr)
	} else {
		obs.Embedding = vec
	}

	if len(obs.Embedding) > 0 {
		if call.SessionID != "" {
			echoed, err := p.isEcho(ctx, call.SessionID, obs.Embedding)
			if err != nil {
				p.logger.Warn("pipeline: echo check failed, proceeding as no match", "id", id, "session_id", call.SessionID, "error", err)
			} else if echoed {
				return nil, nil
			}
		}

		match, err := p.store.FindSimilar(ctx, obs.Embedding, p.cfg.DedupThreshold)
		if err != nil {
			p.logger.Warn("pipeline: dedup lookup failed, proceeding as no match", "id", id, "error", err)
		} else if match != nil {
			return p.mergeAndPersist(ctx, match.Observation.ID, obs)
		}
	}

	inserted, err := p.store.SaveObservation(ctx, obs)
	if err != nil {
		return nil, fmt.Errorf("pipeline: save: %w", err)
	}
	if !inserted {
		// Title collision: benign duplicate, not an error, no notification.
		return nil, nil
	}

	p.notifier.Publish(obs)
	p.extractKnowledge(ctx, obs)
	return obs, nil
}

// mergeAndPersist applies the merge rule against existingID, re-embeds the
// merged text, and persists both the merged row and its new embedding.
func (p *Pipeline) mergeAndPersist(ctx context.Context, existingID string, newer *models.Observation) (*models.Observation, error) {
	merged, err := p.store.MergeIntoExisting(ctx, existingID, newer)
	if err != nil {
		return nil, fmt.Errorf("pipeline: merge into existing: %w", err)
	}

	if vec, embedErr := p.embedder.Embed(ctx, EmbeddingText(merged)); embedErr != nil {
		p.logger.Warn("pipeline: re-embedding merged observation failed", "id", merged.ID, "error", embedErr)
	} else {
		merged.Embedding = vec
		if err := p.store.StoreEmbedding(ctx, merged.ID, vec); err != nil {
			p.logger.Warn("pipeline: failed to store re-embedded merge vector", "id", merged.ID, "error", err)
		}
	}

	p.notifier.Publish(merged)
	p.extractKnowledge(ctx, merged)
	return merged, nil
}

// isEcho reports whether vec is a near-duplicate of any observation
// recently injected into sessionID.
func (p *Pipeline) isEcho(ctx context.Context, sessionID string, vec []float32) (bool, error) {
	ids, err := p.store.RecentInjectedIDs(ctx, sessionID, recentInjectionsLimit)
	if err != nil {
		return false, fmt.Errorf("load recent injections: %w", err)
	}
	if len(ids) == 0 {
		return false, nil
	}

	embeddingsByID, err := p.store.EmbeddingsFor(ctx, ids)
	if err != nil {
		return false, fmt.Errorf("load injected embeddings: %w", err)
	}
	for _, injected := range embeddingsByID {
		if store.CosineSimilarity(vec, injected) >= p.cfg.InjectionDedupThreshold {
			return true, nil
		}
	}
	return false, nil
}

// extractKnowledge is the fire-and-forget, non-fatal knowledge-extraction
// step: only observations carrying a generalisable concept are offered to
// the LLM, and any failure here is logged, never propagated.
func (p *Pipeline) extractKnowledge(ctx context.Context, obs *models.Observation) {
	if !obs.HasConcept(models.ConceptPattern) && !obs.HasConcept(models.ConceptGotcha) && !obs.HasConcept(models.ConceptHowItWorks) {
		return
	}

	extract, err := p.llm.ShouldExtractKnowledge(ctx, obs)
	if err != nil {
		p.logger.Warn("pipeline: knowledge extraction check failed", "id", obs.ID, "error", err)
		return
	}
	if !extract {
		return
	}

	knowledge := &models.GlobalKnowledge{
		ID:                 uuid.New().String(),
		Type:               knowledgeTypeFor(obs),
		Title:              obs.Title,
		Description:        obs.Narrative,
		Triggers:           obs.Keywords,
		SourceProjects:     []string{obs.Project},
		SourceObservations: []string{obs.ID},
		Confidence:         0.5,
	}
	if err := p.store.UpsertKnowledge(ctx, knowledge); err != nil {
		p.logger.Warn("pipeline: knowledge upsert failed", "id", obs.ID, "error", err)
	}
}

func knowledgeTypeFor(obs *models.Observation) models.KnowledgeType {
	switch {
	case obs.HasConcept(models.ConceptGotcha):
		return models.KnowledgeGotcha
	case obs.HasConcept(models.ConceptHowItWorks):
		return models.KnowledgeArchitecture
	default:
		return models.KnowledgePattern
	}
}

// EmbeddingText builds the text embedded for an observation: title,
// narrative, and facts joined by spaces. Exported so the maintenance
// package's dedup sweep can re-embed a merged observation with the exact
// text the inline merge path embeds.
func EmbeddingText(obs *models.Observation) string {
	var sb strings.Builder
	sb.WriteString(obs.Title)
	sb.WriteString(" ")
	sb.WriteString(obs.Narrative)
	sb.WriteString(" ")
	sb.WriteString(strings.Join(obs.Facts, " "))
	return sb.String()
}

// promptNumberFor looks up the current prompt counter for an active session,
// defaulting to 0 when the session is unknown or the lookup fails; this is
// an enrichment, never a blocking dependency.
func (p *Pipeline) promptNumberFor(ctx context.Context, sessionContentID string) int {
	if sessionContentID == "" {
		return 0
	}
	session, err := p.store.GetSessionByContentID(ctx, sessionContentID)
	if err != nil || session == nil {
		return 0
	}
	return session.PromptCounter
}

// isExcludedProject reports whether project matches any configured
// exclusion glob. Globs are matched as given; ~ is not expanded here
// (config.FromEnv expands it when parsing EXCLUDED_PROJECTS).
func (p *Pipeline) isExcludedProject(project string) bool {
	if project == "" {
		return false
	}
	for _, pattern := range p.cfg.ExcludedProjectGlobs {
		if globMatch(pattern, project) {
			return true
		}
	}
	return false
}

// globMatch reports whether name matches pattern, segment by segment on
// "/", where a "**" segment matches zero or more whole path segments. This
// is what lets an exclusion glob like "/home/user/**" cover an entire
// project tree; plain filepath.Match only matches within a single segment
// and never recurses past one "/".
func globMatch(pattern, name string) bool {
	return matchGlobSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchGlobSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchGlobSegments(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchGlobSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	if ok, err := filepath.Match(pattern[0], name[0]); err != nil || !ok {
		return false
	}
	return matchGlobSegments(pattern[1:], name[1:])
}
