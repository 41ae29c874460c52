package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
	"github.com/lib/pq"
)

// FindSimilar returns the single nearest neighbour with similarity >=
// threshold via pgvector's `<=>` cosine-distance operator. A zero-length or
// all-zero vec yields (nil, nil).
func (b *Backend) FindSimilar(ctx context.Context, vec []float32, threshold float64) (*store.Match, error) {
	matches, err := b.FindSimilarMany(ctx, vec, threshold, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// FindSimilarMany returns up to limit neighbours with similarity >=
// threshold, descending, using pgvector's native distance operator rather
// than a Go-side scan.
func (b *Backend) FindSimilarMany(ctx context.Context, vec []float32, threshold float64, limit int) ([]store.Match, error) {
	if len(vec) == 0 || isZeroVector(vec) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	literal := encodeEmbedding(vec)
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+observationColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM observations
		WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $3`, literal, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query similar embeddings: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var matches []store.Match
	for rows.Next() {
		m, err := scanObservationWithSimilarity(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// scanObservationWithSimilarity scans the observationColumns projection
// plus a single trailing similarity column.
func scanObservationWithSimilarity(row rowScanner) (store.Match, error) {
	var o models.Observation
	var obsType, noiseLevel, facts, concepts, filesRead, filesModified, keywords string
	var embeddingText sql.NullString
	var similarity float64

	err := row.Scan(
		&o.ID, &o.SessionID, &o.Project, &obsType, &o.Title, &o.Subtitle, &o.Narrative,
		&facts, &concepts, &filesRead, &filesModified, &keywords,
		&o.PromptNumber, &o.DiscoveryTokens, &noiseLevel, &o.NoiseReason, &embeddingText, &o.CreatedAt,
		&similarity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Match{}, store.NewNotFound("observation", "")
	}
	if err != nil {
		return store.Match{}, fmt.Errorf("%w: scan observation with similarity: %v", store.ErrDatabase, err)
	}

	o.Type = models.ObservationType(obsType)
	o.NoiseLevel = models.NoiseLevel(noiseLevel)
	_ = jsonUnmarshalStrings(facts, &o.Facts)
	_ = jsonUnmarshalConcepts(concepts, &o.Concepts)
	_ = jsonUnmarshalStrings(filesRead, &o.FilesRead)
	_ = jsonUnmarshalStrings(filesModified, &o.FilesModified)
	_ = jsonUnmarshalStrings(keywords, &o.Keywords)
	o.Embedding = decodeEmbedding(embeddingText)

	return store.Match{Observation: &o, Similarity: similarity}, nil
}

// StoreEmbedding replaces the stored vector for an observation.
func (b *Backend) StoreEmbedding(ctx context.Context, observationID string, vec []float32) error {
	if err := validateEmbedding(vec, b.dimension); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `UPDATE observations SET embedding = $1::vector WHERE id = $2`, encodeEmbedding(vec), observationID)
	if err != nil {
		return fmt.Errorf("%w: update embedding: %v", store.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", store.ErrDatabase, err)
	}
	if n == 0 {
		return store.NewNotFound("observation", observationID)
	}
	return nil
}

// EmbeddingsFor batches a lookup of embeddings by observation id.
func (b *Backend) EmbeddingsFor(ctx context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, embedding::text FROM observations WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: query embeddings for ids: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var text sql.NullString
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("%w: scan embedding row: %v", store.ErrDatabase, err)
		}
		if vec := decodeEmbedding(text); vec != nil {
			out[id] = vec
		}
	}
	return out, rows.Err()
}
