package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/haasonsaas/agentmemory/internal/store"
	"github.com/haasonsaas/agentmemory/pkg/models"
)

func setupMockBackend(t *testing.T) (sqlmock.Sqlmock, *Backend) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, &Backend{db: db, dimension: 4}
}

func TestSaveObservationUniqueViolationReturnsNoError(t *testing.T) {
	mock, b := setupMockBackend(t)
	obs := &models.Observation{ID: "o1", Title: "dup title", CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO observations").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "observations_title_norm_key"`))

	inserted, err := b.SaveObservation(context.Background(), obs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Fatal("expected inserted=false on title collision")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveObservationRejectsWrongDimension(t *testing.T) {
	_, b := setupMockBackend(t)
	obs := &models.Observation{ID: "o1", Title: "t", Embedding: []float32{1, 2}, CreatedAt: time.Now()}

	_, err := b.SaveObservation(context.Background(), obs)
	if err == nil {
		t.Fatal("expected dimension validation error")
	}
}

func TestGetObservationNotFound(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrNoRows)

	_, err := b.GetObservation(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreEmbeddingNotFoundOnZeroRowsAffected(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectExec("UPDATE observations SET embedding").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := b.StoreEmbedding(context.Background(), "missing", []float32{1, 2, 3, 4})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSessionUniqueContentIDReturnsAlreadyExists(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "sessions_content_session_id_key"`))

	err := b.CreateSession(context.Background(), &models.Session{ContentSessionID: "content-1"})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFailMarksTerminalOnRetryExhaustion(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectQuery("SELECT retry_count FROM pending_messages").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))
	mock.ExpectExec("UPDATE pending_messages SET status = 'failed'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.Fail(context.Background(), 1, false, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFailRequeuesWithinRetryBudget(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectQuery("SELECT retry_count FROM pending_messages").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(0))
	mock.ExpectExec("UPDATE pending_messages SET status = 'pending'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.Fail(context.Background(), 1, false, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueReturnsGeneratedID(t *testing.T) {
	mock, b := setupMockBackend(t)
	mock.ExpectQuery("INSERT INTO pending_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := b.Enqueue(context.Background(), "sess-1", "Read", `{"path":"a.go"}`, "ok", "proj")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Fatalf("expected id=42, got %d", id)
	}
}

func TestEncodeDecodeEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.5, -0.25, 1.0, 0.0}
	literal := encodeEmbedding(vec)
	decoded := decodeEmbedding(sql.NullString{String: literal.(string), Valid: true})
	if len(decoded) != len(vec) {
		t.Fatalf("expected %d components, got %d", len(vec), len(decoded))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Fatalf("component %d: expected %v, got %v", i, vec[i], decoded[i])
		}
	}
}

func TestIsUniqueViolationMatchesPostgresMessage(t *testing.T) {
	if !isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "x"`)) {
		t.Fatal("expected unique violation to be detected")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Fatal("did not expect unrelated error to match")
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil error must not match")
	}
}

func TestIsUniqueViolationMatchesSQLSTATECode(t *testing.T) {
	if !isUniqueViolation(errors.New(`pq: ERROR: duplicate key value (SQLSTATE 23505)`)) {
		t.Fatal("expected a bare 23505 SQLSTATE to be detected even without the English message text")
	}
}
