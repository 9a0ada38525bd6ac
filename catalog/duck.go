package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/mypgmirror/backend"
)

// duckCatalog is the storage logic shared by both base catalog flavors: a
// named DuckDB schema holding the database's tables, plus an in-memory table
// cache rebuilt on load. Flavor-specific construction and drop semantics
// live in OrdinaryDatabase and AtomicDatabase.
type duckCatalog struct {
	mu           sync.RWMutex
	name         string
	schemaName   string
	metadataPath string
	pool         *backend.ConnectionPool
	tables       map[string]*Table // keyed by lowercase name
	dropped      bool
	log          *logrus.Entry
}

func newDuckCatalog(name, schemaName, metadataPath string, pool *backend.ConnectionPool) duckCatalog {
	return duckCatalog{
		name:         name,
		schemaName:   schemaName,
		metadataPath: metadataPath,
		pool:         pool,
		tables:       make(map[string]*Table),
		log: logrus.WithFields(logrus.Fields{
			"component": "catalog",
			"database":  name,
		}),
	}
}

// Name implements sql.Database.
func (d *duckCatalog) Name() string {
	return d.name
}

func (d *duckCatalog) MetadataPath() string {
	return d.metadataPath
}

// LoadStoredObjects creates the backing schema if needed and rebuilds the
// table cache from DuckDB's own catalog.
func (d *duckCatalog) LoadStoredObjects(ctx *sql.Context, forceRestore, forceAttach bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped {
		return ErrDatabaseDropped.New(d.name)
	}

	if _, err := d.pool.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+FullSchemaName(d.schemaName)); err != nil {
		return ErrDuckDB.New(err)
	}

	if forceRestore {
		d.tables = make(map[string]*Table)
	}

	rows, err := d.pool.QueryContext(ctx,
		"SELECT table_name FROM duckdb_tables() WHERE schema_name = ?", d.schemaName)
	if err != nil {
		return ErrDuckDB.New(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return ErrDuckDB.New(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return ErrDuckDB.New(err)
	}

	for _, name := range names {
		if _, ok := d.tables[strings.ToLower(name)]; ok {
			continue
		}
		t, err := d.loadTable(ctx, name)
		if err != nil {
			if forceAttach {
				d.log.WithError(err).WithField("table", name).Warn("Skipping unloadable table")
				continue
			}
			return err
		}
		d.tables[strings.ToLower(name)] = t
	}
	return nil
}

func (d *duckCatalog) loadTable(ctx *sql.Context, name string) (*Table, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable,
		        COALESCE(numeric_precision, 0), COALESCE(numeric_scale, 0)
		 FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?
		 ORDER BY ordinal_position`, d.schemaName, name)
	if err != nil {
		return nil, ErrDuckDB.New(err)
	}
	defer rows.Close()

	var schema sql.Schema
	for rows.Next() {
		var colName, dataType, nullable string
		var precision, scale int
		if err := rows.Scan(&colName, &dataType, &nullable, &precision, &scale); err != nil {
			return nil, ErrDuckDB.New(err)
		}
		schema = append(schema, &sql.Column{
			Name:     colName,
			Type:     GmsType(dataType, precision, scale),
			Nullable: strings.EqualFold(nullable, "YES"),
			Source:   name,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDuckDB.New(err)
	}
	if len(schema) == 0 {
		return nil, sql.ErrTableNotFound.New(name)
	}

	ordinals, err := d.primaryKeyOrdinals(ctx, name, schema)
	if err != nil {
		return nil, err
	}
	for _, ord := range ordinals {
		schema[ord].PrimaryKey = true
	}
	return NewTable(d, name, sql.NewPrimaryKeySchema(schema, ordinals...)), nil
}

func (d *duckCatalog) primaryKeyOrdinals(ctx *sql.Context, name string, schema sql.Schema) ([]int, error) {
	rows, err := d.pool.QueryContext(ctx,
		`SELECT UNNEST(constraint_column_names)
		 FROM duckdb_constraints()
		 WHERE schema_name = ? AND table_name = ? AND constraint_type = 'PRIMARY KEY'`,
		d.schemaName, name)
	if err != nil {
		return nil, ErrDuckDB.New(err)
	}
	defer rows.Close()

	var ordinals []int
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, ErrDuckDB.New(err)
		}
		if idx := schema.IndexOfColName(column); idx >= 0 {
			ordinals = append(ordinals, idx)
		}
	}
	return ordinals, rows.Err()
}

// TryGetTable resolves a table from the cache, falling back to DuckDB's
// catalog for tables created outside this process.
func (d *duckCatalog) TryGetTable(ctx *sql.Context, name string) (sql.Table, bool, error) {
	key := strings.ToLower(name)

	d.mu.RLock()
	t, ok := d.tables[key]
	dropped := d.dropped
	d.mu.RUnlock()
	if dropped {
		return nil, false, nil
	}
	if ok {
		return t, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[key]; ok {
		return t, true, nil
	}
	t, err := d.loadTable(ctx, name)
	if err != nil {
		if sql.ErrTableNotFound.Is(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	d.tables[key] = t
	return t, true, nil
}

// GetTableInsensitive implements sql.Database.
func (d *duckCatalog) GetTableInsensitive(ctx *sql.Context, tblName string) (sql.Table, bool, error) {
	return d.TryGetTable(ctx, tblName)
}

// GetTableNames implements sql.Database.
func (d *duckCatalog) GetTableNames(ctx *sql.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.tables))
	for _, t := range d.tables {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *duckCatalog) CreateTable(ctx *sql.Context, name string, schema sql.PrimaryKeySchema) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped {
		return ErrDatabaseDropped.New(d.name)
	}
	key := strings.ToLower(name)
	if _, ok := d.tables[key]; ok {
		return sql.ErrTableAlreadyExists.New(name)
	}

	ddl, err := createTableDDL(d.schemaName, name, schema)
	if err != nil {
		return err
	}
	if _, err := d.pool.ExecContext(ctx, ddl); err != nil {
		if IsDuckDBTableAlreadyExistsError(err) {
			return sql.ErrTableAlreadyExists.New(name)
		}
		return ErrDuckDB.New(err)
	}

	d.tables[key] = NewTable(d, name, schema)
	return nil
}

func createTableDDL(schemaName, name string, schema sql.PrimaryKeySchema) (string, error) {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(FullTableName(schemaName, name))
	b.WriteString(" (")
	for i, col := range schema.Schema {
		if i > 0 {
			b.WriteString(", ")
		}
		duckType, err := DuckdbDataType(col.Type)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", col.Name, err)
		}
		b.WriteString(pq.QuoteIdentifier(col.Name))
		b.WriteByte(' ')
		b.WriteString(duckType)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(schema.PkOrdinals) > 0 {
		pkCols := make([]string, len(schema.PkOrdinals))
		for i, ord := range schema.PkOrdinals {
			pkCols[i] = schema.Schema[ord].Name
		}
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(QuoteColumns(pkCols))
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String(), nil
}

func (d *duckCatalog) DropTable(ctx *sql.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped {
		return ErrDatabaseDropped.New(d.name)
	}
	key := strings.ToLower(name)
	t, ok := d.tables[key]
	if !ok {
		return sql.ErrTableNotFound.New(name)
	}

	if _, err := d.pool.ExecContext(ctx, "DROP TABLE "+FullTableName(d.schemaName, t.Name())); err != nil {
		if !IsDuckDBTableNotFoundError(err) {
			return ErrDuckDB.New(err)
		}
	}
	delete(d.tables, key)
	return nil
}

// dropSchema removes the backing schema. Callers add their flavor-specific
// cleanup on top. Idempotent.
func (d *duckCatalog) dropSchema(ctx *sql.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped {
		return nil
	}
	if _, err := d.pool.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+FullSchemaName(d.schemaName)+" CASCADE"); err != nil {
		return ErrDuckDB.New(err)
	}
	d.dropped = true
	d.tables = make(map[string]*Table)
	return nil
}
