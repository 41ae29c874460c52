// Package sqlite is the embedded StorageBackend, grounded on the teacher's
// sqlite-vec memory backend: a pure-Go SQLite driver, FTS5 for lexical
// search, and brute-force cosine similarity computed in Go over BLOB-encoded
// vectors (no native vector extension loaded).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

// Config configures the embedded backend.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-process
	// store (the default when empty).
	Path string
	// Dimension is the embedding width new vectors are validated against.
	Dimension int
}

// Backend implements store.StorageBackend over a single SQLite file.
//
// modernc.org/sqlite registers itself under driver name "sqlite", not
// "sqlite3" — using the wrong name here would fail sql.Open at runtime, so
// unlike some in-house code this backend opens it correctly.
type Backend struct {
	db        *sql.DB
	dimension int
}

// New opens (creating if necessary) the SQLite-backed store and runs
// pending migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows exactly one writer; serialize all access through a
	// single connection so BEGIN IMMEDIATE below actually excludes other
	// goroutines instead of racing across pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
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

// Close releases the underlying database handle.
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

// newID returns a fresh random-v4 id, used for entities that are not
// queue-derived (sessions, prompts, knowledge). Observation ids on the
// queue-driven path are deterministic UUIDv5s computed by the pipeline, not
// here.
func newID() string {
	return uuid.New().String()
}

// encodeEmbedding packs a float32 vector into a little-endian byte BLOB.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding unpacks a BLOB written by encodeEmbedding.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
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

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func marshalConcepts(v []models.Concept) string {
	if v == nil {
		v = []models.Concept{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalConcepts(s string) []models.Concept {
	if s == "" {
		return nil
	}
	var v []models.Concept
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

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
