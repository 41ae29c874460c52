package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// SaveObservation inserts obs, returning inserted=false on a title
// collision rather than an error.
func (b *Backend) SaveObservation(ctx context.Context, obs *models.Observation) (bool, error) {
	if err := validateEmbedding(obs.Embedding, b.dimension); err != nil {
		return false, fmt.Errorf("save observation: %w", err)
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO observations (
			id, session_id, project, type, title, title_norm, subtitle, narrative, facts_text,
			facts, concepts, files_read, files_modified, keywords,
			prompt_number, discovery_tokens, noise_level, noise_reason, embedding, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		obs.ID, obs.SessionID, obs.Project, string(obs.Type), obs.Title, obs.NormalizedTitle(), obs.Subtitle, obs.Narrative, strings.Join(obs.Facts, " "),
		marshalJSON(obs.Facts), marshalJSON(obs.Concepts), marshalJSON(obs.FilesRead), marshalJSON(obs.FilesModified), marshalJSON(obs.Keywords),
		obs.PromptNumber, obs.DiscoveryTokens, string(obs.NoiseLevel), obs.NoiseReason, encodeEmbedding(obs.Embedding), obs.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert observation: %v", store.ErrDatabase, err)
	}
	return true, nil
}

// MergeIntoExisting applies the merge rule (§4.2.1) and UPDATEs the keeper
// row inside a single transaction; the existing row is locked with
// SELECT ... FOR UPDATE so concurrent merges on the same keeper serialize.
func (b *Backend) MergeIntoExisting(ctx context.Context, existingID string, newer *models.Observation) (*models.Observation, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = $1 FOR UPDATE`, existingID)
	existing, err := scanObservation(row)
	if err != nil {
		return nil, err
	}

	merged := mergeObservations(existing, newer)
	if err := validateEmbedding(merged.Embedding, b.dimension); err != nil {
		return nil, fmt.Errorf("merge observation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE observations SET
			type = $1, title = $2, title_norm = $3, subtitle = $4, narrative = $5, facts_text = $6,
			facts = $7, concepts = $8, files_read = $9, files_modified = $10, keywords = $11,
			prompt_number = $12, discovery_tokens = $13, noise_level = $14, noise_reason = $15,
			embedding = $16, created_at = $17
		WHERE id = $18`,
		string(merged.Type), merged.Title, merged.NormalizedTitle(), merged.Subtitle, merged.Narrative, strings.Join(merged.Facts, " "),
		marshalJSON(merged.Facts), marshalJSON(merged.Concepts), marshalJSON(merged.FilesRead), marshalJSON(merged.FilesModified), marshalJSON(merged.Keywords),
		merged.PromptNumber, merged.DiscoveryTokens, string(merged.NoiseLevel), merged.NoiseReason,
		encodeEmbedding(merged.Embedding), merged.CreatedAt, existingID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update observation: %v", store.ErrDatabase, err)
	}
	merged.ID = existingID

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrDatabase, err)
	}
	return merged, nil
}

// mergeObservations implements §4.2.1; identical semantics to the sqlite
// backend's copy (duplicated rather than shared, since each backend scans
// its own row representation into the same models.Observation shape).
func mergeObservations(existing, newer *models.Observation) *models.Observation {
	merged := &models.Observation{
		ID:            existing.ID,
		SessionID:     existing.SessionID,
		Project:       existing.Project,
		Facts:         models.UnionOrdered(existing.Facts, newer.Facts),
		Keywords:      models.UnionOrdered(existing.Keywords, newer.Keywords),
		FilesRead:     models.UnionOrdered(existing.FilesRead, newer.FilesRead),
		FilesModified: models.UnionOrdered(existing.FilesModified, newer.FilesModified),
		Concepts:      models.UnionConcepts(existing.Concepts, newer.Concepts),
		Type:          newer.Type,
		Title:         newer.Title,
		Embedding:     newer.Embedding,
	}

	if len(newer.Narrative) > len(existing.Narrative) {
		merged.Narrative = newer.Narrative
	} else {
		merged.Narrative = existing.Narrative
	}
	if len(newer.Subtitle) > len(existing.Subtitle) {
		merged.Subtitle = newer.Subtitle
	} else {
		merged.Subtitle = existing.Subtitle
	}

	if newer.NoiseLevel.MoreImportant(existing.NoiseLevel) {
		merged.NoiseLevel = newer.NoiseLevel
	} else {
		merged.NoiseLevel = existing.NoiseLevel
	}

	if newer.NoiseReason != "" {
		merged.NoiseReason = newer.NoiseReason
	} else {
		merged.NoiseReason = existing.NoiseReason
	}

	// newer's value wins whenever it's non-zero. A legitimately-zero newer
	// value is indistinguishable from "unset" here, unlike merge.rs's
	// Option::or, which can tell the two apart; low-impact in practice
	// since a real prompt number or discovery token count is never zero.
	if newer.PromptNumber != 0 {
		merged.PromptNumber = newer.PromptNumber
	} else {
		merged.PromptNumber = existing.PromptNumber
	}
	if newer.DiscoveryTokens != 0 {
		merged.DiscoveryTokens = newer.DiscoveryTokens
	} else {
		merged.DiscoveryTokens = existing.DiscoveryTokens
	}

	if newer.CreatedAt.After(existing.CreatedAt) {
		merged.CreatedAt = newer.CreatedAt
	} else {
		merged.CreatedAt = existing.CreatedAt
	}

	return merged
}

const observationColumns = `id, session_id, project, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, keywords,
	prompt_number, discovery_tokens, noise_level, noise_reason, embedding::text, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var o models.Observation
	var obsType, noiseLevel, facts, concepts, filesRead, filesModified, keywords string
	var embeddingText sql.NullString

	err := row.Scan(
		&o.ID, &o.SessionID, &o.Project, &obsType, &o.Title, &o.Subtitle, &o.Narrative,
		&facts, &concepts, &filesRead, &filesModified, &keywords,
		&o.PromptNumber, &o.DiscoveryTokens, &noiseLevel, &o.NoiseReason, &embeddingText, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("observation", "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan observation: %v", store.ErrDatabase, err)
	}

	o.Type = models.ObservationType(obsType)
	o.NoiseLevel = models.NoiseLevel(noiseLevel)
	_ = jsonUnmarshalStrings(facts, &o.Facts)
	_ = jsonUnmarshalConcepts(concepts, &o.Concepts)
	_ = jsonUnmarshalStrings(filesRead, &o.FilesRead)
	_ = jsonUnmarshalStrings(filesModified, &o.FilesModified)
	_ = jsonUnmarshalStrings(keywords, &o.Keywords)
	o.Embedding = decodeEmbedding(embeddingText)
	return &o, nil
}

// GetObservation fetches a single observation by id.
func (b *Backend) GetObservation(ctx context.Context, id string) (*models.Observation, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = $1`, id)
	return scanObservation(row)
}

// ObservationExists reports whether id is already persisted.
func (b *Backend) ObservationExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM observations WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check observation existence: %v", store.ErrDatabase, err)
	}
	return true, nil
}

// DeleteObservation removes a row, used by the dedup sweep's loser side.
func (b *Backend) DeleteObservation(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM observations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete observation: %v", store.ErrDatabase, err)
	}
	return nil
}
