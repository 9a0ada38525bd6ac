package catalog

import (
	"strings"

	"github.com/lib/pq"
)

func FullSchemaName(schema string) string {
	return pq.QuoteIdentifier(schema)
}

func FullTableName(schema, table string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

func FullColumnName(schema, table, column string) string {
	return FullTableName(schema, table) + "." + pq.QuoteIdentifier(column)
}

// QuoteColumns quotes and joins column names for use in a projection or
// column list.
func QuoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
