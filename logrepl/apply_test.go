package logrepl

import (
	"testing"

	"github.com/dolthub/go-mysql-server/sql/types"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func ordersRelation() *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{
		RelationMessage: pglogrepl.RelationMessage{
			RelationID:   1,
			Namespace:    "public",
			RelationName: "orders",
			Columns: []*pglogrepl.RelationMessageColumn{
				{Name: "id", Flags: 1, DataType: pgtype.Int8OID},
				{Name: "status", Flags: 0, DataType: pgtype.TextOID},
				{Name: "amount", Flags: 0, DataType: pgtype.NumericOID},
			},
		},
	}
}

func keylessRelation() *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{
		RelationMessage: pglogrepl.RelationMessage{
			RelationID:   2,
			Namespace:    "public",
			RelationName: "events",
			Columns: []*pglogrepl.RelationMessageColumn{
				{Name: "kind", DataType: pgtype.TextOID},
				{Name: "payload", DataType: pgtype.TextOID},
			},
		},
	}
}

func TestBuildUpsert(t *testing.T) {
	rel := ordersRelation()
	query, args := buildUpsert(`"mirrored"."orders"`, rel, []any{int64(7), "shipped", "12.50"}, true)
	require.Equal(t,
		`INSERT OR REPLACE INTO "mirrored"."orders" ("id", "status", "amount") VALUES (?, ?, ?)`,
		query)
	require.Equal(t, []any{int64(7), "shipped", "12.50"}, args)

	// Keyless relations fall back to a plain insert.
	query, _ = buildUpsert(`"mirrored"."events"`, keylessRelation(), []any{"click", "{}"}, false)
	require.Equal(t,
		`INSERT INTO "mirrored"."events" ("kind", "payload") VALUES (?, ?)`,
		query)
}

func TestBuildUpdate(t *testing.T) {
	rel := ordersRelation()

	query, args := buildUpdate(`"mirrored"."orders"`, rel,
		[]any{int64(7), "delivered", "12.50"},
		[]bool{false, false, false},
		[]any{int64(7)})
	require.Equal(t,
		`UPDATE "mirrored"."orders" SET "id" = ?, "status" = ?, "amount" = ? WHERE "id" = ?`,
		query)
	require.Equal(t, []any{int64(7), "delivered", "12.50", int64(7)}, args)

	// Unchanged TOAST columns are left out of the SET list.
	query, args = buildUpdate(`"mirrored"."orders"`, rel,
		[]any{int64(7), "delivered", nil},
		[]bool{false, false, true},
		[]any{int64(7)})
	require.Equal(t,
		`UPDATE "mirrored"."orders" SET "id" = ?, "status" = ? WHERE "id" = ?`,
		query)
	require.Equal(t, []any{int64(7), "delivered", int64(7)}, args)

	// Nothing changed means nothing to run.
	query, _ = buildUpdate(`"mirrored"."orders"`, rel,
		[]any{nil, nil, nil},
		[]bool{true, true, true},
		[]any{int64(7)})
	require.Empty(t, query)
}

func TestBuildDelete(t *testing.T) {
	query, args := buildDelete(`"mirrored"."orders"`, ordersRelation(), []any{int64(7), "shipped", "12.50"})
	require.Equal(t, `DELETE FROM "mirrored"."orders" WHERE "id" = ?`, query)
	require.Equal(t, []any{int64(7)}, args)

	// Keyless relations match on the whole row, with IS NULL for nulls.
	query, args = buildDelete(`"mirrored"."events"`, keylessRelation(), []any{"click", nil})
	require.Equal(t, `DELETE FROM "mirrored"."events" WHERE "kind" = ? AND "payload" IS NULL`, query)
	require.Equal(t, []any{"click"}, args)
}

func TestUpdateKeyValues(t *testing.T) {
	rel := ordersRelation()
	newRow := []any{int64(7), "delivered", "12.50"}

	// With the old tuple present, its key wins (key change case).
	keys, err := updateKeyValues(rel, []any{int64(6), "shipped", "12.50"}, newRow)
	require.NoError(t, err)
	require.Equal(t, []any{int64(6)}, keys)

	// Without it, the new row's key columns identify the row.
	keys, err = updateKeyValues(rel, nil, newRow)
	require.NoError(t, err)
	require.Equal(t, []any{int64(7)}, keys)

	// A keyless update must carry the old tuple; the message is malformed
	// otherwise.
	keyless := keylessRelation()
	keys, err = updateKeyValues(keyless, []any{"click", "{}"}, []any{"tap", "{}"})
	require.NoError(t, err)
	require.Equal(t, []any{"click", "{}"}, keys)

	_, err = updateKeyValues(keyless, nil, []any{"tap", "{}"})
	require.ErrorContains(t, err, "carries no old tuple")
}

func TestPickKeyValues(t *testing.T) {
	require.Equal(t, []any{int64(7)}, pickKeyValues(ordersRelation(), []any{int64(7), "shipped", "12.50"}))
	require.Equal(t, []any{"click", "{}"}, pickKeyValues(keylessRelation(), []any{"click", "{}"}))
}

func TestNormalizeValue(t *testing.T) {
	num := pgtype.Numeric{Valid: true}
	require.NoError(t, num.Scan("12.50"))
	require.Equal(t, "12.5", normalizeValue(num))

	require.Nil(t, normalizeValue(pgtype.Numeric{}))

	var raw [16]byte
	raw[15] = 1
	require.Equal(t, "00000000-0000-0000-0000-000000000001", normalizeValue(raw))

	require.Equal(t, int64(42), normalizeValue(int64(42)))
	require.Nil(t, normalizeValue(nil))
}

func TestDecodeTuple(t *testing.T) {
	rel := ordersRelation()
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("7")},
			{DataType: 'n'},
			{DataType: 'u'},
		},
	}

	values, unchanged, err := decodeTuple(pgtype.NewMap(), rel, tuple)
	require.NoError(t, err)
	require.Equal(t, []any{int64(7), nil, nil}, values)
	require.Equal(t, []bool{false, false, true}, unchanged)
}

func TestPgTypeToGms(t *testing.T) {
	require.Equal(t, types.Int16, pgTypeToGms("int2", 0, 0))
	require.Equal(t, types.Int32, pgTypeToGms("int4", 0, 0))
	require.Equal(t, types.Int64, pgTypeToGms("int8", 0, 0))
	require.Equal(t, types.Float32, pgTypeToGms("float4", 0, 0))
	require.Equal(t, types.Float64, pgTypeToGms("float8", 0, 0))
	require.Equal(t, types.Int8, pgTypeToGms("bool", 0, 0))
	require.Equal(t, types.Date, pgTypeToGms("date", 0, 0))
	require.Equal(t, types.Datetime, pgTypeToGms("timestamp", 0, 0))
	require.Equal(t, types.Timestamp, pgTypeToGms("timestamptz", 0, 0))
	require.Equal(t, types.LongBlob, pgTypeToGms("bytea", 0, 0))
	require.Equal(t, types.LongText, pgTypeToGms("text", 0, 0))
	require.Equal(t, types.LongText, pgTypeToGms("uuid", 0, 0))

	dec := pgTypeToGms("numeric", 10, 2)
	require.Equal(t, types.MustCreateDecimalType(10, 2), dec)

	// Precision beyond DuckDB's limit degrades to the widest local decimal.
	wide := pgTypeToGms("numeric", 0, 0)
	require.Equal(t, types.MustCreateDecimalType(38, 9), wide)
}
