package catalog

import (
	"github.com/dolthub/go-mysql-server/sql"

	"github.com/apecloud/mypgmirror/backend"
)

// Table is a DuckDB-backed table surfaced to the engine. Mirrored tables are
// written exclusively by the replication apply path, so the SQL surface is
// read-only.
type Table struct {
	db     *duckCatalog
	name   string
	schema sql.PrimaryKeySchema
}

var _ sql.Table = (*Table)(nil)
var _ sql.PrimaryKeyTable = (*Table)(nil)

func NewTable(db *duckCatalog, name string, schema sql.PrimaryKeySchema) *Table {
	return &Table{db: db, name: name, schema: schema}
}

// Name implements sql.Table.
func (t *Table) Name() string {
	return t.name
}

func (t *Table) String() string {
	return t.name
}

// Collation implements sql.Table.
func (t *Table) Collation() sql.CollationID {
	return sql.Collation_Default
}

// Schema implements sql.Table.
func (t *Table) Schema() sql.Schema {
	return t.schema.Schema
}

// PrimaryKeySchema implements sql.PrimaryKeyTable.
func (t *Table) PrimaryKeySchema() sql.PrimaryKeySchema {
	return t.schema
}

// Partitions implements sql.Table. DuckDB storage is unpartitioned from the
// engine's point of view.
func (t *Table) Partitions(ctx *sql.Context) (sql.PartitionIter, error) {
	return sql.PartitionsToPartitionIter(singlePartition{}), nil
}

// PartitionRows implements sql.Table.
func (t *Table) PartitionRows(ctx *sql.Context, _ sql.Partition) (sql.RowIter, error) {
	columns := make([]string, len(t.schema.Schema))
	for i, col := range t.schema.Schema {
		columns[i] = col.Name
	}
	rows, err := t.db.pool.QueryContext(ctx,
		"SELECT "+QuoteColumns(columns)+" FROM "+FullTableName(t.db.schemaName, t.name))
	if err != nil {
		return nil, ErrDuckDB.New(err)
	}
	return backend.NewSQLRowIter(rows, t.schema.Schema)
}

type singlePartition struct{}

// Key implements sql.Partition.
func (singlePartition) Key() []byte {
	return []byte("single")
}
