package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

// UpsertKnowledge inserts or updates (by normalized title, the dedup key) a
// GlobalKnowledge row.
func (b *Backend) UpsertKnowledge(ctx context.Context, k *models.GlobalKnowledge) error {
	if k.ID == "" {
		k.ID = newID()
	}
	now := time.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	k.UpdatedAt = now
	titleNorm := strings.ToLower(strings.TrimSpace(k.Title))

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO global_knowledge (
			id, type, title, title_norm, description, instructions, triggers,
			source_projects, source_observations, confidence, usage_count, last_used_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT(title_norm) DO UPDATE SET
			type = excluded.type, description = excluded.description, instructions = excluded.instructions,
			triggers = excluded.triggers, source_projects = excluded.source_projects,
			source_observations = excluded.source_observations, confidence = excluded.confidence,
			usage_count = excluded.usage_count, last_used_at = excluded.last_used_at, updated_at = excluded.updated_at`,
		k.ID, string(k.Type), k.Title, titleNorm, k.Description, k.Instructions, marshalJSON(k.Triggers),
		marshalJSON(k.SourceProjects), marshalJSON(k.SourceObservations), k.Confidence, k.UsageCount,
		nullTime(k.LastUsedAt), k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert knowledge: %v", store.ErrDatabase, err)
	}
	return nil
}

func scanKnowledge(row rowScanner) (*models.GlobalKnowledge, error) {
	var k models.GlobalKnowledge
	var kType, triggers, sourceProjects, sourceObservations string
	var lastUsed sql.NullTime

	err := row.Scan(&k.ID, &kType, &k.Title, &k.Description, &k.Instructions, &triggers,
		&sourceProjects, &sourceObservations, &k.Confidence, &k.UsageCount, &lastUsed, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFound("knowledge", "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan knowledge: %v", store.ErrDatabase, err)
	}
	k.Type = models.KnowledgeType(kType)
	_ = jsonUnmarshalStrings(triggers, &k.Triggers)
	_ = jsonUnmarshalStrings(sourceProjects, &k.SourceProjects)
	_ = jsonUnmarshalStrings(sourceObservations, &k.SourceObservations)
	k.LastUsedAt = timePtr(lastUsed)
	return &k, nil
}

const knowledgeColumns = `id, type, title, description, instructions, triggers,
	source_projects, source_observations, confidence, usage_count, last_used_at, created_at, updated_at`

// GetKnowledgeByTitle fetches a knowledge entry by title, matched on
// lower(trim(title)) like the upsert's dedup key.
func (b *Backend) GetKnowledgeByTitle(ctx context.Context, title string) (*models.GlobalKnowledge, error) {
	titleNorm := strings.ToLower(strings.TrimSpace(title))
	row := b.db.QueryRowContext(ctx, `SELECT `+knowledgeColumns+` FROM global_knowledge WHERE title_norm = $1`, titleNorm)
	return scanKnowledge(row)
}

// ListKnowledge returns the most recently updated knowledge entries.
func (b *Backend) ListKnowledge(ctx context.Context, limit int) ([]*models.GlobalKnowledge, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, `SELECT `+knowledgeColumns+` FROM global_knowledge ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list knowledge: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*models.GlobalKnowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SaveInjectedObservations idempotently records ids as injected into
// session. Duplicates are silently ignored; a nil/empty ids is a no-op.
func (b *Backend) SaveInjectedObservations(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", store.ErrDatabase, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO injection_records (session_id, observation_id, injected_at)
			VALUES ($1,$2,$3)
			ON CONFLICT(session_id, observation_id) DO NOTHING`, sessionID, id, now); err != nil {
			return fmt.Errorf("%w: save injection record: %v", store.ErrDatabase, err)
		}
	}
	return tx.Commit()
}

// RecentInjectedIDs returns up to limit most-recently-injected observation
// ids for a session.
func (b *Backend) RecentInjectedIDs(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT observation_id FROM injection_records
		WHERE session_id = $1 ORDER BY injected_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query injected ids: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan injected id: %v", store.ErrDatabase, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CleanupOldInjections deletes injection records older than olderThanHours.
func (b *Backend) CleanupOldInjections(ctx context.Context, olderThanHours int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	res, err := b.db.ExecContext(ctx, `DELETE FROM injection_records WHERE injected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup injections: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	return int(n), nil
}
