// Package store defines the persistence interface the session manager and
// the event handlers rely on: session records and the archive of processed
// leads.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by Store.Update when the stored record's
	// UpdatedAt doesn't match the assumed one, meaning the record was
	// modified concurrently.
	ErrConflict = errors.New("session update conflict")

	// ErrAlreadyExists is returned by Store.Create on primary key collision.
	ErrAlreadyExists = errors.New("session already exists")
)

// Record is the persisted representation of a session.
type Record struct {
	ID       string
	UserID   *string
	Language string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	// Metadata is a JSON object.
	Metadata []byte

	Active bool
}

// LeadRecord is an archived copy of a processed source node.
type LeadRecord struct {
	ID         string
	SourcePath string

	// Data is the node payload as JSON.
	Data []byte

	CreatedAt time.Time
	UpdatedAt time.Time
	Processed bool

	// Metadata is a JSON object describing how the node was processed.
	Metadata []byte
}

// Store is a narrow CRUD abstraction over persisted session records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts rec. Returns ErrAlreadyExists if rec.ID is taken.
	Create(ctx context.Context, rec Record) error

	// Get returns the record identified by id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Update replaces the record identified by rec.ID if and only if its
	// currently stored UpdatedAt equals assumedUpdatedAt, otherwise returns
	// ErrConflict. Returns ErrNotFound if there's no such record.
	Update(ctx context.Context, rec Record, assumedUpdatedAt time.Time) error

	// Delete removes the record identified by id or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// ListByUser returns all records of userID ordered by CreatedAt descending.
	ListByUser(ctx context.Context, userID string) ([]Record, error)

	// SaveLead inserts rec or replaces the lead identified by rec.ID.
	SaveLead(ctx context.Context, rec LeadRecord) error

	// GetLead returns the lead identified by id or ErrNotFound.
	GetLead(ctx context.Context, id string) (LeadRecord, error)

	// Close releases the underlying resources.
	Close() error
}

// Precision is the timestamp precision every Store implementation preserves.
// Callers must truncate timestamps to it before writing to make UpdatedAt
// usable as a version token.
const Precision = time.Microsecond
