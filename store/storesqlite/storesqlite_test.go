package storesqlite_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/store"
	"github.com/romshark/kommobridge/store/storesqlite"
	"github.com/romshark/kommobridge/store/storetest"
)

var testTime = time.Date(2025, 1, 1, 1, 1, 1, 0, time.UTC)

func open(t *testing.T) *storesqlite.Store {
	t.Helper()
	s, err := storesqlite.Open(t.Context(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return open(t) })
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := storesqlite.Open(t.Context(), "  ")
	require.EqualError(t, err, "storage path is required")
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := storesqlite.Open(t.Context(), path)
	require.NoError(t, err)
	rec := storetest.NewRecord("reopen", nil, testTime)
	require.NoError(t, s.Create(t.Context(), rec))
	require.NoError(t, s.Close())

	// Schema application must be idempotent.
	s, err = storesqlite.Open(t.Context(), path)
	require.NoError(t, err)
	defer s.Close()
	actual, err := s.Get(t.Context(), "reopen")
	require.NoError(t, err)
	storetest.RequireRecordEqual(t, rec, actual)
}

func TestEmptyMetadataStoredAsObject(t *testing.T) {
	s := open(t)
	rec := storetest.NewRecord("empty-meta", nil, testTime)
	rec.Metadata = nil
	require.NoError(t, s.Create(t.Context(), rec))
	actual, err := s.Get(t.Context(), "empty-meta")
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(actual.Metadata))
}
