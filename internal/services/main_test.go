package services

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medsync/engine/internal/repository"
)

// newTestDB returns a fresh in-memory database with the full schema
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
