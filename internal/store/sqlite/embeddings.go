package sqlite

import (
	"context"
	"fmt"
	"sort"

	"github.com/haasonsaas/agentmemory/internal/store"
)

// FindSimilar returns the single nearest neighbour with similarity >=
// threshold, computed by brute-force cosine similarity over every embedded
// row (no native ANN index is loaded). A zero-length or all-zero vec
// yields (nil, nil).
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
// threshold, descending.
func (b *Backend) FindSimilarMany(ctx context.Context, vec []float32, threshold float64, limit int) ([]store.Match, error) {
	if len(vec) == 0 || isZeroVector(vec) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	rows, err := b.db.QueryContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("%w: query embeddings: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var matches []store.Match
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		sim := store.CosineSimilarity(vec, obs.Embedding)
		if sim >= threshold {
			matches = append(matches, store.Match{Observation: obs, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate embeddings: %v", store.ErrDatabase, err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// StoreEmbedding replaces the stored vector for an observation.
func (b *Backend) StoreEmbedding(ctx context.Context, observationID string, vec []float32) error {
	if err := validateEmbedding(vec, b.dimension); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	res, err := b.db.ExecContext(ctx, `UPDATE observations SET embedding = ? WHERE id = ?`, encodeEmbedding(vec), observationID)
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

	placeholders := make([]any, len(ids))
	query := `SELECT id, embedding FROM observations WHERE id IN (`
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += ")"

	rows, err := b.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("%w: query embeddings for ids: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("%w: scan embedding row: %v", store.ErrDatabase, err)
		}
		if vec := decodeEmbedding(blob); vec != nil {
			out[id] = vec
		}
	}
	return out, rows.Err()
}
