package catalog

import (
	"fmt"
	"strings"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/dolthub/go-mysql-server/sql/types"
	"github.com/dolthub/vitess/go/sqltypes"
)

const DuckDBDecimalTypeMaxPrecision = 38

// DuckdbDataType maps an engine column type onto the DuckDB column type used
// to store it. Only the types producible by the replication schema fetch and
// the SQL frontend are covered; anything else is an error rather than a
// silent lossy default.
func DuckdbDataType(t sql.Type) (string, error) {
	switch t.Type() {
	case sqltypes.Int8:
		return "TINYINT", nil
	case sqltypes.Int16:
		return "SMALLINT", nil
	case sqltypes.Int24, sqltypes.Int32:
		return "INTEGER", nil
	case sqltypes.Int64:
		return "BIGINT", nil
	case sqltypes.Uint8:
		return "UTINYINT", nil
	case sqltypes.Uint16:
		return "USMALLINT", nil
	case sqltypes.Uint24, sqltypes.Uint32:
		return "UINTEGER", nil
	case sqltypes.Uint64:
		return "UBIGINT", nil
	case sqltypes.Float32:
		return "FLOAT", nil
	case sqltypes.Float64:
		return "DOUBLE", nil
	case sqltypes.Decimal:
		dt, ok := t.(sql.DecimalType)
		if !ok {
			return "", fmt.Errorf("unexpected decimal type %v", t)
		}
		return fmt.Sprintf("DECIMAL(%d,%d)", dt.Precision(), dt.Scale()), nil
	case sqltypes.Char, sqltypes.VarChar, sqltypes.Text:
		return "VARCHAR", nil
	case sqltypes.Binary, sqltypes.VarBinary, sqltypes.Blob:
		return "BLOB", nil
	case sqltypes.Date:
		return "DATE", nil
	case sqltypes.Datetime:
		return "TIMESTAMP", nil
	case sqltypes.Timestamp:
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("unsupported column type %v", t)
	}
}

// GmsType maps a DuckDB information-schema type name back onto an engine
// type when loading stored table definitions.
func GmsType(duckName string, numericPrecision, numericScale int) sql.Type {
	duckName = strings.ToUpper(strings.TrimSpace(duckName))

	// Parameterized forms come back as e.g. "DECIMAL(10,2)".
	if idx := strings.IndexByte(duckName, '('); idx > 0 {
		duckName = duckName[:idx]
	}

	switch duckName {
	case "TINYINT", "BOOLEAN":
		return types.Int8
	case "SMALLINT":
		return types.Int16
	case "INTEGER":
		return types.Int32
	case "BIGINT", "HUGEINT":
		return types.Int64
	case "UTINYINT":
		return types.Uint8
	case "USMALLINT":
		return types.Uint16
	case "UINTEGER":
		return types.Uint32
	case "UBIGINT":
		return types.Uint64
	case "FLOAT":
		return types.Float32
	case "DOUBLE":
		return types.Float64
	case "DECIMAL":
		if numericPrecision > 0 {
			return types.MustCreateDecimalType(uint8(numericPrecision), uint8(numericScale))
		}
		return types.MustCreateDecimalType(DuckDBDecimalTypeMaxPrecision, 9)
	case "DATE":
		return types.Date
	case "TIMESTAMP", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS":
		return types.Datetime
	case "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ":
		return types.Timestamp
	case "BLOB":
		return types.LongBlob
	default:
		return types.LongText
	}
}
