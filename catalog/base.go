package catalog

import (
	"github.com/dolthub/go-mysql-server/sql"
)

// Base is the slice of catalog behavior a mirrored database wraps rather
// than reimplements. Two flavors satisfy it: the path-addressed
// OrdinaryDatabase and the identity-addressed AtomicDatabase. The mirror
// controller is written against this interface only, so its synchronization,
// registry, and access-control logic is identical across flavors.
type Base interface {
	sql.Database

	// LoadStoredObjects loads the table definitions persisted in local
	// storage. forceAttach downgrades per-table load failures to log lines;
	// forceRestore discards the in-memory state and re-reads from storage.
	LoadStoredObjects(ctx *sql.Context, forceRestore, forceAttach bool) error

	// TryGetTable resolves a table by name. A missing table is (nil, false,
	// nil), not an error.
	TryGetTable(ctx *sql.Context, name string) (sql.Table, bool, error)

	CreateTable(ctx *sql.Context, name string, schema sql.PrimaryKeySchema) error
	DropTable(ctx *sql.Context, name string) error

	// Drop removes the database and its locally stored objects. It is
	// idempotent: dropping an already-dropped database is a no-op.
	Drop(ctx *sql.Context) error

	// MetadataPath is the on-disk path prefix this database may derive
	// auxiliary files from.
	MetadataPath() string
}
