package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/internal/db"
)

// ApplyMigrations runs the app's own migration runner against a test
// database, so tests exercise the exact schema production gets.
func ApplyMigrations(t *testing.T, conn *sql.DB) {
	t.Helper()
	require.NoError(t, db.ApplyMigrations(conn), "failed applying embedded migrations")
}
