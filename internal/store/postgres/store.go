// Package postgres is the networked StorageBackend: observations, sessions,
// the ingestion queue, knowledge, embeddings and injections persisted to
// PostgreSQL with the pgvector extension for cosine-distance vector search
// and a generated tsvector column for lexical FTS.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
	_ "github.com/lib/pq"
)

// PoolConfig bounds the connection pool, matching the networked-backend
// defaults named in §5 (8 connections, 10s acquire, 300s idle eviction).
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns the pool bounds from the concurrency model.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Config configures the postgres-backed store.
type Config struct {
	DSN       string
	Pool      PoolConfig
	Dimension int
}

// Backend implements store.StorageBackend over PostgreSQL + pgvector.
type Backend struct {
	db        *sql.DB
	dimension int
}

// New opens a connection pool to dsn and runs pending migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}
	pool := cfg.Pool
	if pool == (PoolConfig{}) {
		pool = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Migrate runs all pending schema migrations in order, idempotently.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, b.db); err != nil {
		return fmt.Errorf("%w: %v", store.ErrMigration, err)
	}
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Stats reports aggregate row counts.
func (b *Backend) Stats(ctx context.Context) (store.Stats, error) {
	var s store.Stats
	s.EmbeddingDim = b.dimension
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&s.ObservationCount); err != nil {
		return s, fmt.Errorf("count observations: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&s.SessionCount); err != nil {
		return s, fmt.Errorf("count sessions: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending','processing')`).Scan(&s.PendingCount); err != nil {
		return s, fmt.Errorf("count pending: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM global_knowledge`).Scan(&s.KnowledgeCount); err != nil {
		return s, fmt.Errorf("count knowledge: %w", err)
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	// lib/pq surfaces unique_violation as SQLSTATE 23505; checking both the
	// message substring and the SQLSTATE code mirrors the teacher's
	// duplicate-detection idiom in internal/storage/cockroach.go.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") || strings.Contains(msg, "23505")
}

func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

func validateEmbedding(v []float32, dimension int) error {
	if len(v) == 0 {
		return nil
	}
	if len(v) != dimension {
		return fmt.Errorf("embedding dimension %d does not match configured dimension %d", len(v), dimension)
	}
	if isZeroVector(v) {
		return fmt.Errorf("embedding is a zero vector")
	}
	return nil
}

// encodeEmbedding renders a vector in pgvector's text literal form.
func encodeEmbedding(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}

// decodeEmbedding parses pgvector's "[v1,v2,...]" text representation.
func decodeEmbedding(s sql.NullString) []float32 {
	if !s.Valid || s.String == "" {
		return nil
	}
	trimmed := strings.Trim(s.String, "[]")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float32
		fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out = append(out, f)
	}
	return out
}

func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func jsonUnmarshalStrings(s string, out *[]string) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func jsonUnmarshalConcepts(s string, out *[]models.Concept) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func newID() string { return uuid.New().String() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
