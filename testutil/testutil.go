package testutil

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/apecloud/mypgmirror/backend"
)

// NewMemoryPool opens an in-memory DuckDB pool that is torn down with the
// test. Each call gets an isolated database.
func NewMemoryPool(t *testing.T) *backend.ConnectionPool {
	t.Helper()
	pool, err := backend.NewConnectionPool("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// Queryable wraps the pool in sqlx for terse row assertions in tests.
func Queryable(pool *backend.ConnectionPool) *sqlx.DB {
	return sqlx.NewDb(pool.DB, "duckdb")
}

// MustExec runs a statement and fails the test on error.
func MustExec(t *testing.T, pool *backend.ConnectionPool, query string, args ...any) {
	t.Helper()
	_, err := pool.Exec(query, args...)
	require.NoError(t, err)
}

// CountRows returns the number of rows in the given fully qualified table.
func CountRows(t *testing.T, pool *backend.ConnectionPool, table string) int {
	t.Helper()
	var n int
	require.NoError(t, Queryable(pool).Get(&n, "SELECT count(*) FROM "+table))
	return n
}
