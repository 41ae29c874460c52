package postgres

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

var tsTokenPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// buildTSQuery turns free text into an explicit AND-combined prefix query
// for to_tsquery, e.g. "fix race" -> "fix:* & race:*". to_tsquery (unlike
// plainto_tsquery) applies no implicit tokenization or AND-joining of its
// own, but does support the ":*" prefix-match operator, so the tokens have
// to be built and joined here. Returns "" when q has no alphanumeric tokens.
func buildTSQuery(q string) string {
	tokens := tsTokenPattern.FindAllString(q, -1)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t + ":*"
	}
	return strings.Join(parts, " & ")
}

// buildFilterClause turns a store.SearchFilters into an AND-combined SQL
// fragment plus its positional args, suitable for appending after a WHERE.
// argOffset is the number of already-bound placeholders, so this clause's
// placeholders continue the numbering.
func buildFilterClause(f store.SearchFilters, argOffset int) (string, []any) {
	var clauses []string
	var args []any
	next := func() string {
		argOffset++
		return fmt.Sprintf("$%d", argOffset)
	}
	if f.Project != "" {
		clauses = append(clauses, "o.project = "+next())
		args = append(args, f.Project)
	}
	if f.Type != "" {
		clauses = append(clauses, "o.type = "+next())
		args = append(args, string(f.Type))
	}
	if f.From != nil {
		clauses = append(clauses, "o.created_at >= "+next())
		args = append(args, *f.From)
	}
	if f.To != nil {
		clauses = append(clauses, "o.created_at <= "+next())
		args = append(args, *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func prefixColumns(alias string) string {
	cols := []string{"id", "session_id", "project", "type", "title", "subtitle", "narrative",
		"facts", "concepts", "files_read", "files_modified", "keywords",
		"prompt_number", "discovery_tokens", "noise_level", "noise_reason"}
	prefixed := make([]string, len(cols))
	for i, c := range cols {
		prefixed[i] = alias + "." + c
	}
	prefixed = append(prefixed, alias+".embedding::text", alias+".created_at")
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

// SearchWithFilters runs lexical full text search over the generated
// search_vector column, AND-combined with filters. q is tokenized into an
// explicit AND-combined prefix match (buildTSQuery) evaluated with
// to_tsquery; an empty q, or one with no alphanumeric tokens, returns
// newest-first within the filters with no tsquery issued.
func (b *Backend) SearchWithFilters(ctx context.Context, q string, filters store.SearchFilters) ([]*models.Observation, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	tsq := buildTSQuery(q)
	if tsq == "" {
		filterSQL, filterArgs := buildFilterClause(filters, 0)
		query := `SELECT ` + prefixColumns("o") + ` FROM observations o WHERE 1=1` + filterSQL +
			fmt.Sprintf(` ORDER BY o.created_at DESC LIMIT $%d`, len(filterArgs)+1)
		args := append(filterArgs, limit)
		return b.queryObservations(ctx, query, args...)
	}

	filterSQL, filterArgs := buildFilterClause(filters, 1)
	query := `
		SELECT ` + prefixColumns("o") + `
		FROM observations o
		WHERE o.search_vector @@ to_tsquery('english', $1)` + filterSQL +
		fmt.Sprintf(` ORDER BY ts_rank(o.search_vector, to_tsquery('english', $1)) DESC LIMIT $%d`, len(filterArgs)+2)
	args := append([]any{tsq}, filterArgs...)
	args = append(args, limit)

	results, err := b.queryObservations(ctx, query, args...)
	if err == nil {
		return results, nil
	}

	// to_tsquery is stricter than plainto_tsquery about its own operator
	// syntax; fall back to a substring scan rather than surface an
	// unexpected parser error to the caller.
	likeFilterSQL, likeFilterArgs := buildFilterClause(filters, 2)
	likeQuery := `SELECT ` + prefixColumns("o") + ` FROM observations o WHERE (o.title ILIKE $1 OR o.narrative ILIKE $2)` + likeFilterSQL +
		fmt.Sprintf(` ORDER BY o.created_at DESC LIMIT $%d`, len(likeFilterArgs)+3)
	pattern := "%" + q + "%"
	likeArgs := append([]any{pattern, pattern}, likeFilterArgs...)
	likeArgs = append(likeArgs, limit)
	return b.queryObservations(ctx, likeQuery, likeArgs...)
}

// HybridSearchV2 fuses a normalised lexical score (weight 0.5) with cosine
// similarity computed by pgvector's `<=>` operator (weight 0.5), descending
// by combined score.
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
		args = append(args, *from)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	order := "DESC"
	if from != nil && to == nil {
		order = "ASC"
	}

	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM observations%s ORDER BY created_at %s LIMIT $%d`, observationColumns, where, order, len(args))
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
		`SELECT `+observationColumns+` FROM observations WHERE project = $1 ORDER BY created_at DESC LIMIT $2`,
		project, limit)
}
