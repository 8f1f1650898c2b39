package store

import (
	"context"
	"errors"

	"github.com/Mschirtzinger/quill/internal/schema"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrClaimLost is returned when a run writes to a task it no longer
	// holds: the task left generating or was claimed by another run.
	ErrClaimLost = errors.New("task claim lost")
)

// Backend persists records. Backends are not conflict-aware: the Store
// applies the LWW rule and serializes writes before calling Put.
type Backend interface {
	// Get returns the stored record or ErrNotFound.
	Get(ctx context.Context, kind schema.Kind, id string) (schema.Record, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, rec schema.Record) error

	// List returns records of one kind matching the filter. Tasks are
	// ordered by createdAt then id, other kinds by updatedAt then id.
	List(ctx context.Context, kind schema.Kind, f Filter) ([]schema.Record, error)

	// Cursor returns the greatest updatedAt across all kinds, or "" when
	// the backend is empty.
	Cursor(ctx context.Context) (schema.Stamp, error)

	Close() error
}

// Filter narrows List results. ProjectID and Status apply to tasks only.
type Filter struct {
	ProjectID string
	Status    schema.Status
	// Since keeps records with updatedAt strictly greater than it.
	Since schema.Stamp
	// Before keeps records with updatedAt strictly less than it.
	Before schema.Stamp
	Limit  int
}
