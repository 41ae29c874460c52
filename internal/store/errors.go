// Package store defines the domain interfaces exposed by the persistence
// layer: observations, sessions, the ingestion queue, knowledge, embeddings,
// injection records, search, and stats. Concrete backends live in the
// postgres and sqlite subpackages.
package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store implementations. Callers should compare
// with errors.Is.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a unique-constraint collision that the
	// caller should treat as a benign duplicate, not a failure.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDatabase wraps an underlying driver/connection failure.
	ErrDatabase = errors.New("database error")
	// ErrDataCorruption indicates persisted data could not be decoded.
	ErrDataCorruption = errors.New("data corruption")
	// ErrMigration indicates a schema migration failed to apply.
	ErrMigration = errors.New("migration error")
)

// NotFoundError names the entity and id that could not be located.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError for entity/id.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// DuplicateError names the collision key of a unique-constraint violation.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate key %q", e.Key)
}

func (e *DuplicateError) Unwrap() error { return ErrAlreadyExists }

// NewDuplicate builds a DuplicateError for the given key.
func NewDuplicate(key string) error {
	return &DuplicateError{Key: key}
}

// DataCorruptionError carries the context in which corrupt data was found.
type DataCorruptionError struct {
	Context string
	Cause   error
}

func (e *DataCorruptionError) Error() string {
	return fmt.Sprintf("data corruption in %s: %v", e.Context, e.Cause)
}

func (e *DataCorruptionError) Unwrap() error { return ErrDataCorruption }
