// Package storetest provides a conformance test suite for store.Store
// implementations.
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/store"
)

// NewStoreFn must return a new empty store for t.
type NewStoreFn func(t *testing.T) store.Store

var baseTime = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

func strPtr(s string) *string { return &s }

// NewRecord returns a valid record with deterministic timestamps.
func NewRecord(id string, userID *string, createdAt time.Time) store.Record {
	createdAt = createdAt.UTC().Truncate(store.Precision)
	return store.Record{
		ID:        id,
		UserID:    userID,
		Language:  "en",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
		Metadata:  []byte(`{"source":"test"}`),
		Active:    true,
	}
}

// RequireRecordEqual compares records ignoring time zones and JSON formatting.
func RequireRecordEqual(t testing.TB, expect, actual store.Record) {
	t.Helper()
	require.Equal(t, expect.ID, actual.ID)
	require.Equal(t, expect.UserID, actual.UserID)
	require.Equal(t, expect.Language, actual.Language)
	require.True(t, expect.CreatedAt.Equal(actual.CreatedAt),
		"created_at: expected %s, actual %s", expect.CreatedAt, actual.CreatedAt)
	require.True(t, expect.UpdatedAt.Equal(actual.UpdatedAt),
		"updated_at: expected %s, actual %s", expect.UpdatedAt, actual.UpdatedAt)
	require.True(t, expect.ExpiresAt.Equal(actual.ExpiresAt),
		"expires_at: expected %s, actual %s", expect.ExpiresAt, actual.ExpiresAt)
	require.JSONEq(t, string(expect.Metadata), string(actual.Metadata))
	require.Equal(t, expect.Active, actual.Active)
}

// NewLeadRecord returns a processed lead archived at createdAt.
func NewLeadRecord(id, sourcePath string, createdAt time.Time) store.LeadRecord {
	createdAt = createdAt.UTC().Truncate(store.Precision)
	return store.LeadRecord{
		ID:         id,
		SourcePath: sourcePath,
		Data:       []byte(`{"message":"hello","user_id":"user123"}`),
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt.Add(time.Second),
		Processed:  true,
		Metadata:   []byte(`{"handler":"incoming_message"}`),
	}
}

// RequireLeadEqual compares lead records ignoring time zones and JSON formatting.
func RequireLeadEqual(t testing.TB, expect, actual store.LeadRecord) {
	t.Helper()
	require.Equal(t, expect.ID, actual.ID)
	require.Equal(t, expect.SourcePath, actual.SourcePath)
	require.JSONEq(t, string(expect.Data), string(actual.Data))
	require.True(t, expect.CreatedAt.Equal(actual.CreatedAt),
		"created_at: expected %s, actual %s", expect.CreatedAt, actual.CreatedAt)
	require.True(t, expect.UpdatedAt.Equal(actual.UpdatedAt),
		"updated_at: expected %s, actual %s", expect.UpdatedAt, actual.UpdatedAt)
	require.Equal(t, expect.Processed, actual.Processed)
	require.JSONEq(t, string(expect.Metadata), string(actual.Metadata))
}

// Run runs the conformance suite against stores created by newStore.
func Run(t *testing.T, newStore NewStoreFn) {
	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0001", strPtr("user123"), baseTime)
		require.NoError(t, s.Create(t.Context(), rec))

		actual, err := s.Get(t.Context(), rec.ID)
		require.NoError(t, err)
		RequireRecordEqual(t, rec, actual)
	})

	t.Run("CreateNilUser", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0002", nil, baseTime)
		require.NoError(t, s.Create(t.Context(), rec))

		actual, err := s.Get(t.Context(), rec.ID)
		require.NoError(t, err)
		require.Nil(t, actual.UserID)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0003", nil, baseTime)
		require.NoError(t, s.Create(t.Context(), rec))
		require.ErrorIs(t, s.Create(t.Context(), rec), store.ErrAlreadyExists)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(t.Context(), "8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0fffff")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0004", strPtr("u"), baseTime)
		require.NoError(t, s.Create(t.Context(), rec))

		updated := rec
		updated.Language = "fr"
		updated.Metadata = []byte(`{"lead_id":42}`)
		updated.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		updated.Active = false
		require.NoError(t, s.Update(t.Context(), updated, rec.UpdatedAt))

		actual, err := s.Get(t.Context(), rec.ID)
		require.NoError(t, err)
		RequireRecordEqual(t, updated, actual)
	})

	t.Run("UpdateConflict", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0005", strPtr("u"), baseTime)
		require.NoError(t, s.Create(t.Context(), rec))

		first := rec
		first.Language = "de"
		first.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		require.NoError(t, s.Update(t.Context(), first, rec.UpdatedAt))

		// Second writer still assumes the original version.
		second := rec
		second.Language = "it"
		second.UpdatedAt = rec.UpdatedAt.Add(2 * time.Second)
		require.ErrorIs(t, s.Update(t.Context(), second, rec.UpdatedAt), store.ErrConflict)

		actual, err := s.Get(t.Context(), rec.ID)
		require.NoError(t, err)
		require.Equal(t, "de", actual.Language)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0006", nil, baseTime)
		require.ErrorIs(t, s.Update(t.Context(), rec, rec.UpdatedAt), store.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0007", nil, baseTime)
		require.NoError(t, s.Create(t.Context(), rec))
		require.NoError(t, s.Delete(t.Context(), rec.ID))
		_, err := s.Get(t.Context(), rec.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
		require.ErrorIs(t, s.Delete(t.Context(), rec.ID), store.ErrNotFound)
	})

	t.Run("ListByUser", func(t *testing.T) {
		s := newStore(t)
		for i := range 3 {
			rec := NewRecord(
				fmt.Sprintf("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f010%d", i),
				strPtr("alice"),
				baseTime.Add(time.Duration(i)*time.Minute),
			)
			require.NoError(t, s.Create(t.Context(), rec))
		}
		other := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0200", strPtr("bob"), baseTime)
		require.NoError(t, s.Create(t.Context(), other))
		anon := NewRecord("8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0300", nil, baseTime)
		require.NoError(t, s.Create(t.Context(), anon))

		l, err := s.ListByUser(t.Context(), "alice")
		require.NoError(t, err)
		require.Len(t, l, 3)
		// Newest first.
		require.Equal(t, "8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0102", l[0].ID)
		require.Equal(t, "8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0101", l[1].ID)
		require.Equal(t, "8c1f5b7e-1f0e-4a3a-9f1d-2f1c7a0f0100", l[2].ID)

		l, err = s.ListByUser(t.Context(), "nobody")
		require.NoError(t, err)
		require.Empty(t, l)
	})

	t.Run("SaveGetLead", func(t *testing.T) {
		s := newStore(t)
		rec := NewLeadRecord("5f0c1e2a-0000-4000-8000-000000000001",
			"/messages/user123", baseTime)
		require.NoError(t, s.SaveLead(t.Context(), rec))

		actual, err := s.GetLead(t.Context(), rec.ID)
		require.NoError(t, err)
		RequireLeadEqual(t, rec, actual)
	})

	t.Run("SaveLeadReplaces", func(t *testing.T) {
		s := newStore(t)
		rec := NewLeadRecord("5f0c1e2a-0000-4000-8000-000000000002",
			"/messages/user123", baseTime)
		require.NoError(t, s.SaveLead(t.Context(), rec))

		updated := rec
		updated.Processed = false
		updated.Data = []byte(`"plain"`)
		updated.Metadata = []byte(`{"handler":"language_selection"}`)
		updated.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
		require.NoError(t, s.SaveLead(t.Context(), updated))

		actual, err := s.GetLead(t.Context(), rec.ID)
		require.NoError(t, err)
		RequireLeadEqual(t, updated, actual)
	})

	t.Run("SaveLeadNullData", func(t *testing.T) {
		s := newStore(t)
		rec := NewLeadRecord("5f0c1e2a-0000-4000-8000-000000000003",
			"/languages/user123", baseTime)
		rec.Data = []byte(`null`)
		require.NoError(t, s.SaveLead(t.Context(), rec))

		actual, err := s.GetLead(t.Context(), rec.ID)
		require.NoError(t, err)
		require.JSONEq(t, `null`, string(actual.Data))
	})

	t.Run("GetLeadNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetLead(t.Context(), "5f0c1e2a-0000-4000-8000-00000000ffff")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}
