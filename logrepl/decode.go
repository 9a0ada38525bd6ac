package logrepl

import (
	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// decodeTextColumnData decodes a tuple column sent in text format into a Go
// value the DuckDB driver can bind.
func decodeTextColumnData(mi *pgtype.Map, data []byte, dataType uint32) (any, error) {
	if dt, ok := mi.TypeForOID(dataType); ok {
		v, err := dt.Codec.DecodeValue(mi, dataType, pgtype.TextFormatCode, data)
		if err != nil {
			return nil, err
		}
		return normalizeValue(v), nil
	}
	return string(data), nil
}

// normalizeValue rewrites pgx-specific values into driver-bindable ones.
func normalizeValue(v any) any {
	switch v := v.(type) {
	case pgtype.Numeric:
		if !v.Valid {
			return nil
		}
		if v.NaN || v.InfinityModifier != pgtype.Finite {
			return nil
		}
		return decimal.NewFromBigInt(v.Int, v.Exp).String()
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return v
	}
}

// decodeTuple decodes the columns of a tuple message against its relation,
// returning values ordered like the relation's columns. Unchanged TOAST
// columns come back as unchanged=true so callers can skip them.
func decodeTuple(mi *pgtype.Map, rel *pglogrepl.RelationMessageV2, tuple *pglogrepl.TupleData) (values []any, unchanged []bool, err error) {
	values = make([]any, len(tuple.Columns))
	unchanged = make([]bool, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		switch col.DataType {
		case 'n': // null
			values[idx] = nil
		case 'u': // unchanged toast
			unchanged[idx] = true
		case 't': // text
			v, err := decodeTextColumnData(mi, col.Data, rel.Columns[idx].DataType)
			if err != nil {
				return nil, nil, err
			}
			values[idx] = v
		}
	}
	return values, unchanged, nil
}
