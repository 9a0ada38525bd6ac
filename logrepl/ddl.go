package logrepl

import (
	"context"
	"fmt"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/dolthub/go-mysql-server/sql/types"
	"github.com/jackc/pgx/v5"

	"github.com/apecloud/mypgmirror/catalog"
)

// fetchRemoteTableSchema reads a table's structure from the primary and maps
// it onto an engine schema. Only the `public` namespace is replicated.
func fetchRemoteTableSchema(ctx context.Context, conn *pgx.Conn, table string) (sql.PrimaryKeySchema, error) {
	rows, err := conn.Query(ctx,
		`SELECT column_name, udt_name, is_nullable,
		        COALESCE(numeric_precision, 0), COALESCE(numeric_scale, 0)
		 FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return sql.PrimaryKeySchema{}, err
	}
	defer rows.Close()

	var schema sql.Schema
	for rows.Next() {
		var name, udtName, nullable string
		var precision, scale int
		if err := rows.Scan(&name, &udtName, &nullable, &precision, &scale); err != nil {
			return sql.PrimaryKeySchema{}, err
		}
		schema = append(schema, &sql.Column{
			Name:     name,
			Type:     pgTypeToGms(udtName, precision, scale),
			Nullable: nullable == "YES",
			Source:   table,
		})
	}
	if err := rows.Err(); err != nil {
		return sql.PrimaryKeySchema{}, err
	}
	if len(schema) == 0 {
		return sql.PrimaryKeySchema{}, fmt.Errorf("table %q does not exist on the primary", table)
	}

	ordinals, err := fetchPrimaryKeyOrdinals(ctx, conn, table, schema)
	if err != nil {
		return sql.PrimaryKeySchema{}, err
	}
	for _, ord := range ordinals {
		schema[ord].PrimaryKey = true
	}
	return sql.NewPrimaryKeySchema(schema, ordinals...), nil
}

func fetchPrimaryKeyOrdinals(ctx context.Context, conn *pgx.Conn, table string, schema sql.Schema) ([]int, error) {
	rows, err := conn.Query(ctx,
		`SELECT kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 WHERE tc.table_schema = 'public' AND tc.table_name = $1
		   AND tc.constraint_type = 'PRIMARY KEY'
		 ORDER BY kcu.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ordinals []int
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, err
		}
		if idx := schema.IndexOfColName(column); idx >= 0 {
			ordinals = append(ordinals, idx)
		}
	}
	return ordinals, rows.Err()
}

// pgTypeToGms maps a PostgreSQL type name onto the engine type used for the
// local mirror column. Types without a closer match degrade to text, which
// DuckDB stores losslessly.
func pgTypeToGms(udtName string, precision, scale int) sql.Type {
	switch udtName {
	case "int2":
		return types.Int16
	case "int4":
		return types.Int32
	case "int8":
		return types.Int64
	case "float4":
		return types.Float32
	case "float8":
		return types.Float64
	case "bool":
		return types.Int8
	case "numeric":
		if precision > 0 && precision <= catalog.DuckDBDecimalTypeMaxPrecision {
			return types.MustCreateDecimalType(uint8(precision), uint8(scale))
		}
		return types.MustCreateDecimalType(catalog.DuckDBDecimalTypeMaxPrecision, 9)
	case "date":
		return types.Date
	case "timestamp":
		return types.Datetime
	case "timestamptz":
		return types.Timestamp
	case "bytea":
		return types.LongBlob
	default:
		// text, varchar, bpchar, uuid, json, jsonb, ...
		return types.LongText
	}
}
