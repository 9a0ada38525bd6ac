package backend

import (
	"io"
	"math/big"
	"testing"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/dolthub/go-mysql-server/sql/types"
	"github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSQLRowIter(t *testing.T) {
	pool, err := NewConnectionPool("")
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec("CREATE TABLE t (id BIGINT, amount DECIMAL(10,2), note VARCHAR)")
	require.NoError(t, err)
	_, err = pool.Exec("INSERT INTO t VALUES (1, 12.50, 'first'), (2, NULL, NULL)")
	require.NoError(t, err)

	schema := sql.Schema{
		{Name: "id", Type: types.Int64},
		{Name: "amount", Type: types.MustCreateDecimalType(10, 2)},
		{Name: "note", Type: types.LongText},
	}

	rows, err := pool.Query("SELECT id, amount, note FROM t ORDER BY id")
	require.NoError(t, err)

	iter, err := NewSQLRowIter(rows, schema)
	require.NoError(t, err)
	ctx := sql.NewEmptyContext()
	defer iter.Close(ctx)

	row, err := iter.Next(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, row[0])
	dec, ok := row[1].(decimal.Decimal)
	require.True(t, ok)
	require.True(t, dec.Equal(decimal.RequireFromString("12.50")))
	require.Equal(t, "first", row[2])

	row, err = iter.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, row[1])
	require.Nil(t, row[2])

	_, err = iter.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestNormalizeDecimal(t *testing.T) {
	got := normalizeDecimal(duckdb.Decimal{Value: big.NewInt(1250), Scale: 2})
	dec, ok := got.(decimal.Decimal)
	require.True(t, ok)
	require.True(t, dec.Equal(decimal.RequireFromString("12.50")))

	got = normalizeDecimal("3.14")
	dec, ok = got.(decimal.Decimal)
	require.True(t, ok)
	require.True(t, dec.Equal(decimal.RequireFromString("3.14")))

	// Unparseable strings and foreign types pass through unchanged.
	require.Equal(t, "not a number", normalizeDecimal("not a number"))
	require.Equal(t, int64(7), normalizeDecimal(int64(7)))
}
