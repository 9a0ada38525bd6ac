package catalog

import (
	"os"
	"path/filepath"

	"github.com/dolthub/go-mysql-server/sql"

	"github.com/apecloud/mypgmirror/backend"
)

// OrdinaryDatabase is the path-addressed base catalog flavor: the database
// is identified by its name, its schema in DuckDB carries the same name,
// and auxiliary files live directly under the data directory. Drops take
// effect immediately.
type OrdinaryDatabase struct {
	duckCatalog
	dataDir string
}

var _ Base = (*OrdinaryDatabase)(nil)

func NewOrdinaryDatabase(name, dataDir string, pool *backend.ConnectionPool) *OrdinaryDatabase {
	return &OrdinaryDatabase{
		duckCatalog: newDuckCatalog(name, name, filepath.Join(dataDir, name), pool),
		dataDir:     dataDir,
	}
}

// Drop implements Base. The schema and any auxiliary files sharing the
// metadata path prefix are removed right away.
func (d *OrdinaryDatabase) Drop(ctx *sql.Context) error {
	if err := d.dropSchema(ctx); err != nil {
		return err
	}
	matches, err := filepath.Glob(d.metadataPath + "*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}
