package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

var ftsTokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// buildFTSQuery turns free text into an explicit AND-combined prefix query
// for FTS5's MATCH syntax, e.g. "fix race" -> `"fix"* AND "race"*`. Quoting
// each token keeps a term that happens to collide with an FTS5 keyword (AND,
// OR, NOT, NEAR) from being parsed as an operator. Returns "" when q has no
// alphanumeric tokens at all.
func buildFTSQuery(q string) string {
	tokens := ftsTokenPattern.FindAllString(q, -1)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = `"` + t + `"*`
	}
	return strings.Join(parts, " AND ")
}

// buildFilterClause turns a store.SearchFilters into an AND-combined SQL
// fragment plus its positional args, suitable for appending after a WHERE.
func buildFilterClause(f store.SearchFilters) (string, []any) {
	var clauses []string
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "o.project = ?")
		args = append(args, f.Project)
	}
	if f.Type != "" {
		clauses = append(clauses, "o.type = ?")
		args = append(args, string(f.Type))
	}
	if f.From != nil {
		clauses = append(clauses, "o.created_at >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		clauses = append(clauses, "o.created_at <= ?")
		args = append(args, *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// SearchWithFilters runs lexical FTS AND-combined with filters. q is
// tokenized into an explicit AND-combined prefix match (buildFTSQuery); an
// empty q, or one with no alphanumeric tokens, returns newest-first within
// the filters with no FTS query issued.
func (b *Backend) SearchWithFilters(ctx context.Context, q string, filters store.SearchFilters) ([]*models.Observation, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	filterSQL, filterArgs := buildFilterClause(filters)

	matchExpr := buildFTSQuery(q)
	if matchExpr == "" {
		query := `SELECT ` + prefixColumns("o") + ` FROM observations o WHERE 1=1` + filterSQL + ` ORDER BY o.created_at DESC LIMIT ?`
		args := append(filterArgs, limit)
		return b.queryObservations(ctx, query, args...)
	}

	ftsQuery := `
		SELECT ` + prefixColumns("o") + `
		FROM observations_fts f
		JOIN observations o ON o.id = f.id
		WHERE observations_fts MATCH ?` + filterSQL + `
		ORDER BY bm25(observations_fts) ASC LIMIT ?`
	args := append([]any{matchExpr}, filterArgs...)
	args = append(args, limit)

	results, err := b.queryObservations(ctx, ftsQuery, args...)
	if err == nil {
		return results, nil
	}

	// The FTS5 query parser rejects malformed queries (stray quotes,
	// leading operators); fall back to a LIKE scan rather than surface a
	// syntax error to the caller.
	likeQuery := `SELECT ` + prefixColumns("o") + ` FROM observations o WHERE (o.title LIKE ? OR o.narrative LIKE ?)` + filterSQL + ` ORDER BY o.created_at DESC LIMIT ?`
	pattern := "%" + q + "%"
	likeArgs := append([]any{pattern, pattern}, filterArgs...)
	likeArgs = append(likeArgs, limit)
	return b.queryObservations(ctx, likeQuery, likeArgs...)
}

func prefixColumns(alias string) string {
	cols := []string{"id", "session_id", "project", "type", "title", "subtitle", "narrative",
		"facts", "concepts", "files_read", "files_modified", "keywords",
		"prompt_number", "discovery_tokens", "noise_level", "noise_reason", "embedding", "created_at"}
	prefixed := make([]string, len(cols))
	for i, c := range cols {
		prefixed[i] = alias + "." + c
	}
	return strings.Join(prefixed, ", ")
}

func (b *Backend) queryObservations(ctx context.Context, query string, args ...any) ([]*models.Observation, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query observations: %v", store.ErrDatabase, err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// HybridSearchV2 fuses a normalised lexical score (weight 0.5) with cosine
// similarity (weight 0.5), descending by combined score. No native ANN
// index exists, so the vector side is a brute-force scan over every
// embedded row, matching the sqlite backend's search elsewhere.
func (b *Backend) HybridSearchV2(ctx context.Context, q string, vec []float32, limit int, filters store.SearchFilters) ([]*models.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	candidatePool := limit * 5
	if candidatePool < 50 {
		candidatePool = 50
	}

	lexical := map[string]float64{}
	byID := map[string]*models.Observation{}

	if strings.TrimSpace(q) != "" {
		lexFilters := filters
		lexFilters.Limit = candidatePool
		lexResults, err := b.SearchWithFilters(ctx, q, lexFilters)
		if err != nil {
			return nil, err
		}
		for i, obs := range lexResults {
			// Rank-based score: best match gets 1.0, decaying linearly.
			score := 1.0 - float64(i)/float64(len(lexResults)+1)
			lexical[obs.ID] = score
			byID[obs.ID] = obs
		}
	}

	vectorial := map[string]float64{}
	if len(vec) > 0 && !isZeroVector(vec) {
		matches, err := b.FindSimilarMany(ctx, vec, 0, candidatePool)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			vectorial[m.Observation.ID] = m.Similarity
			byID[m.Observation.ID] = m.Observation
		}
	}

	type scored struct {
		id    string
		score float64
	}
	var combined []scored
	for id := range byID {
		obs := byID[id]
		if !matchesFilters(obs, filters) {
			continue
		}
		combined = append(combined, scored{id: id, score: 0.5*lexical[id] + 0.5*vectorial[id]})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].score > combined[j].score })
	if len(combined) > limit {
		combined = combined[:limit]
	}

	out := make([]*models.SearchResult, 0, len(combined))
	for _, c := range combined {
		obs := byID[c.id]
		out = append(out, &models.SearchResult{
			ID:              obs.ID,
			Title:           obs.Title,
			Subtitle:        obs.Subtitle,
			ObservationType: obs.Type,
			NoiseLevel:      obs.NoiseLevel,
			Score:           c.score,
		})
	}
	return out, nil
}

func matchesFilters(obs *models.Observation, f store.SearchFilters) bool {
	if f.Project != "" && obs.Project != f.Project {
		return false
	}
	if f.Type != "" && obs.Type != f.Type {
		return false
	}
	if f.From != nil && obs.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && obs.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Timeline returns a chronological window. When only from is set, the scan
// walks forward; otherwise it walks backward. Results are always returned
// newest-first to the caller.
func (b *Backend) Timeline(ctx context.Context, from, to *time.Time, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	var clauses []string
	var args []any
	if from != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *from)
	}
	if to != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *to)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	order := "DESC"
	if from != nil && to == nil {
		order = "ASC"
	}

	query := `SELECT ` + observationColumns + ` FROM observations` + where + ` ORDER BY created_at ` + order + ` LIMIT ?`
	args = append(args, limit)
	results, err := b.queryObservations(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if order == "ASC" {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}
	return results, nil
}

// ContextForProject returns newest-first observations for a project.
func (b *Backend) ContextForProject(ctx context.Context, project string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	return b.queryObservations(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE project = ? ORDER BY created_at DESC LIMIT ?`,
		project, limit)
}
