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
	"context"
	stdsql "database/sql"

	"github.com/marcboeker/go-duckdb"
)

// ConnectionPool wraps the process-wide DuckDB handle. It is shared by the
// catalog layer (DDL, metadata queries) and the replication apply path
// (batched DML). database/sql provides the underlying connection reuse.
type ConnectionPool struct {
	*stdsql.DB
	connector *duckdb.Connector
	dsn       string
}

// NewConnectionPool opens the DuckDB database at dsn. An empty dsn opens an
// in-memory database, which is what the tests use.
func NewConnectionPool(dsn string) (*ConnectionPool, error) {
	connector, err := duckdb.NewConnector(dsn, nil)
	if err != nil {
		return nil, err
	}
	db := stdsql.OpenDB(connector)
	return &ConnectionPool{DB: db, connector: connector, dsn: dsn}, nil
}

func (p *ConnectionPool) Connector() *duckdb.Connector {
	return p.connector
}

func (p *ConnectionPool) DSN() string {
	return p.dsn
}

// Exec runs a statement with background-context semantics. Callers that hold
// a request context should use ExecContext directly.
func (p *ConnectionPool) Exec(query string, args ...any) (stdsql.Result, error) {
	return p.DB.ExecContext(context.Background(), query, args...)
}

func (p *ConnectionPool) Close() error {
	defer p.connector.Close()
	return p.DB.Close()
}
