// Package session manages the lifecycle of user sessions: creation with a TTL,
// lazily enforced expiry and optimistic concurrency on updates.
//
// The Manager owns only the validity policy. Persistence is delegated to
// a store.Store which sees plain records produced by ToRecord.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/romshark/kommobridge/store"
)

var (
	ErrNotFound   = store.ErrNotFound
	ErrConflict   = store.ErrConflict
	ErrInvalidTTL = errors.New("ttl must be positive")
	ErrInactive   = errors.New("session is inactive")
)

// Session is a user's language selection and related metadata
// with a time-bounded validity window.
type Session struct {
	ID        uuid.UUID
	UserID    *string
	Language  string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]any
	Active    bool
}

// Expired returns true if now is past the session's expiry.
func (s Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// MetadataString returns the metadata value at key if it's a non-empty string.
func (s Session) MetadataString(key string) (string, bool) {
	v, ok := s.Metadata[key].(string)
	return v, ok && v != ""
}

// MetadataInt64 returns the metadata value at key as an integer.
// Numbers decoded from JSON are float64, strings are not accepted.
func (s Session) MetadataInt64(key string) (int64, bool) {
	switch v := s.Metadata[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

// StoreError is a failure of the persistent store other than
// not-found and conflict.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("session store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// ToRecord converts s to its persisted representation.
func ToRecord(s Session) (store.Record, error) {
	m := s.Metadata
	if m == nil {
		m = map[string]any{}
	}
	metadata, err := json.Marshal(m)
	if err != nil {
		return store.Record{}, fmt.Errorf("encoding metadata: %w", err)
	}
	return store.Record{
		ID:        s.ID.String(),
		UserID:    s.UserID,
		Language:  s.Language,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
		Metadata:  metadata,
		Active:    s.Active,
	}, nil
}

// FromRecord is the inverse of ToRecord.
func FromRecord(r store.Record) (Session, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Session{}, fmt.Errorf("parsing session id %q: %w", r.ID, err)
	}
	metadata := map[string]any{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return Session{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return Session{
		ID:        id,
		UserID:    r.UserID,
		Language:  r.Language,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
		Metadata:  metadata,
		Active:    r.Active,
	}, nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
