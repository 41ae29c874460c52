package sqlite

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
	titleNorm := obs.NormalizedTitle()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO observations (
			id, session_id, project, type, title, title_norm, subtitle, narrative,
			facts, concepts, files_read, files_modified, keywords,
			prompt_number, discovery_tokens, noise_level, noise_reason, embedding, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		obs.ID, obs.SessionID, obs.Project, string(obs.Type), obs.Title, titleNorm, obs.Subtitle, obs.Narrative,
		marshalStrings(obs.Facts), marshalConcepts(obs.Concepts), marshalStrings(obs.FilesRead), marshalStrings(obs.FilesModified), marshalStrings(obs.Keywords),
		obs.PromptNumber, obs.DiscoveryTokens, string(obs.NoiseLevel), obs.NoiseReason, encodeEmbedding(obs.Embedding), obs.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: insert observation: %v", store.ErrDatabase, err)
	}

	if err := b.upsertFTS(ctx, tx, obs); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %v", store.ErrDatabase, err)
	}
	return true, nil
}

func (b *Backend) upsertFTS(ctx context.Context, tx *sql.Tx, obs *models.Observation) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM observations_fts WHERE id = ?`, obs.ID); err != nil {
		return fmt.Errorf("%w: delete fts row: %v", store.ErrDatabase, err)
	}
	factsText := strings.Join(obs.Facts, " ")
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observations_fts (id, title, subtitle, narrative, facts_text) VALUES (?,?,?,?,?)`,
		obs.ID, obs.Title, obs.Subtitle, obs.Narrative, factsText,
	); err != nil {
		return fmt.Errorf("%w: index fts row: %v", store.ErrDatabase, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// MergeIntoExisting applies the merge rule (observation-merge §4.2.1) and
// UPDATEs the keeper row inside a single transaction.
func (b *Backend) MergeIntoExisting(ctx context.Context, existingID string, newer *models.Observation) (*models.Observation, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	existing, err := b.scanObservationTx(ctx, tx, existingID)
	if err != nil {
		return nil, err
	}

	merged := mergeObservations(existing, newer)
	if err := validateEmbedding(merged.Embedding, b.dimension); err != nil {
		return nil, fmt.Errorf("merge observation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE observations SET
			type = ?, title = ?, title_norm = ?, subtitle = ?, narrative = ?,
			facts = ?, concepts = ?, files_read = ?, files_modified = ?, keywords = ?,
			prompt_number = ?, discovery_tokens = ?, noise_level = ?, noise_reason = ?,
			embedding = ?, created_at = ?
		WHERE id = ?`,
		string(merged.Type), merged.Title, merged.NormalizedTitle(), merged.Subtitle, merged.Narrative,
		marshalStrings(merged.Facts), marshalConcepts(merged.Concepts), marshalStrings(merged.FilesRead), marshalStrings(merged.FilesModified), marshalStrings(merged.Keywords),
		merged.PromptNumber, merged.DiscoveryTokens, string(merged.NoiseLevel), merged.NoiseReason,
		encodeEmbedding(merged.Embedding), merged.CreatedAt, existingID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update observation: %v", store.ErrDatabase, err)
	}
	merged.ID = existingID

	if err := b.upsertFTS(ctx, tx, merged); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrDatabase, err)
	}
	return merged, nil
}

// mergeObservations implements §4.2.1: field-by-field merge of existing and
// newer into a new Observation value (callers assign the resulting id).
func mergeObservations(existing, newer *models.Observation) *models.Observation {
	merged := &models.Observation{
		ID:              existing.ID,
		SessionID:       existing.SessionID,
		Project:         existing.Project,
		Facts:           models.UnionOrdered(existing.Facts, newer.Facts),
		Keywords:        models.UnionOrdered(existing.Keywords, newer.Keywords),
		FilesRead:       models.UnionOrdered(existing.FilesRead, newer.FilesRead),
		FilesModified:   models.UnionOrdered(existing.FilesModified, newer.FilesModified),
		Concepts:        models.UnionConcepts(existing.Concepts, newer.Concepts),
		Type:            newer.Type,
		Title:           newer.Title,
		Embedding:       newer.Embedding,
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
	prompt_number, discovery_tokens, noise_level, noise_reason, embedding, created_at`

// GetObservation fetches a single observation by id.
func (b *Backend) GetObservation(ctx context.Context, id string) (*models.Observation, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

func (b *Backend) scanObservationTx(ctx context.Context, tx *sql.Tx, id string) (*models.Observation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var o models.Observation
	var obsType, noiseLevel, facts, concepts, filesRead, filesModified, keywords string
	var embeddingBlob []byte

	err := row.Scan(
		&o.ID, &o.SessionID, &o.Project, &obsType, &o.Title, &o.Subtitle, &o.Narrative,
		&facts, &concepts, &filesRead, &filesModified, &keywords,
		&o.PromptNumber, &o.DiscoveryTokens, &noiseLevel, &o.NoiseReason, &embeddingBlob, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("observation", "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan observation: %v", store.ErrDatabase, err)
	}

	o.Type = models.ObservationType(obsType)
	o.NoiseLevel = models.NoiseLevel(noiseLevel)
	o.Facts = unmarshalStrings(facts)
	o.Concepts = unmarshalConcepts(concepts)
	o.FilesRead = unmarshalStrings(filesRead)
	o.FilesModified = unmarshalStrings(filesModified)
	o.Keywords = unmarshalStrings(keywords)
	o.Embedding = decodeEmbedding(embeddingBlob)
	return &o, nil
}

// ObservationExists reports whether id is already persisted.
func (b *Backend) ObservationExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM observations WHERE id = ?`, id).Scan(&exists)
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
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete observation: %v", store.ErrDatabase, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM observations_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete fts row: %v", store.ErrDatabase, err)
	}
	return tx.Commit()
}
