package testdb_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/internal/testdb"
)

func TestNew(t *testing.T) {
	s, dsn := testdb.NewStore(t, slog.Default())
	require.NotNil(t, s)
	require.Contains(t, dsn, "test_testnew")
}

func TestAdminDSNOverride(t *testing.T) {
	t.Setenv(testdb.EnvAdminDSN, "postgres://u:p@db:5432/postgres")
	require.Equal(t, "postgres://u:p@db:5432/postgres", testdb.AdminDSN())
}
