// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	stdsql "database/sql"
	"io"
	"strings"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"
)

var _ sql.RowIter = (*SQLRowIter)(nil)

// SQLRowIter adapts database/sql rows to the engine's row iterator. Columns
// whose driver representation differs from the engine's get a normalizer
// picked once, at construction, from the result set's column types.
type SQLRowIter struct {
	rows      *stdsql.Rows
	width     int             // row width served to the engine
	normalize []func(any) any // per driver column; nil is passthrough
	buffer    []any
	pointers  []any
}

func NewSQLRowIter(rows *stdsql.Rows, schema sql.Schema) (*SQLRowIter, error) {
	columns, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	normalize := make([]func(any) any, len(columns))
	for i, c := range columns {
		if strings.HasPrefix(c.DatabaseTypeName(), "DECIMAL") {
			normalize[i] = normalizeDecimal
		}
	}

	width := len(schema)
	if width == 0 {
		width = len(columns)
	}
	size := len(columns)
	if width > size {
		size = width
	}
	buffer := make([]any, size)
	pointers := make([]any, size)
	for i := range buffer {
		pointers[i] = &buffer[i]
	}

	return &SQLRowIter{
		rows:      rows,
		width:     width,
		normalize: normalize,
		buffer:    buffer,
		pointers:  pointers,
	}, nil
}

// normalizeDecimal converts the driver's decimal representation into the
// engine's. DuckDB hands back duckdb.Decimal; strings appear when the value
// went through a VARCHAR cast.
func normalizeDecimal(v any) any {
	switch v := v.(type) {
	case duckdb.Decimal:
		return decimal.NewFromBigInt(v.Value, -int32(v.Scale))
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return v
}

// Next implements sql.RowIter. Rows are padded with nil when the schema is
// wider than the result set and pruned when it is narrower.
func (iter *SQLRowIter) Next(ctx *sql.Context) (sql.Row, error) {
	if !iter.rows.Next() {
		if err := iter.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	if err := iter.rows.Scan(iter.pointers[:len(iter.normalize)]...); err != nil {
		return nil, err
	}

	row := make(sql.Row, iter.width)
	for i := 0; i < iter.width && i < len(iter.normalize); i++ {
		v := iter.buffer[i]
		if f := iter.normalize[i]; f != nil && v != nil {
			v = f(v)
		}
		row[i] = v
	}
	return row, nil
}

// Close implements sql.RowIter.
func (iter *SQLRowIter) Close(ctx *sql.Context) error {
	return iter.rows.Close()
}
