package catalog

import (
	"os"
	"path/filepath"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/google/uuid"

	"github.com/apecloud/mypgmirror/backend"
)

const (
	storeDirectory     = "store"
	tombstoneDirectory = "tombstone"
)

// AtomicDatabase is the identity-addressed base catalog flavor: the database
// carries a stable unique identifier assigned at construction, auxiliary
// files are addressed by that identifier rather than by name, and dropped
// state is swept lazily on the next load instead of being removed inline.
type AtomicDatabase struct {
	duckCatalog
	id      uuid.UUID
	dataDir string
}

var _ Base = (*AtomicDatabase)(nil)

func NewAtomicDatabase(name string, id uuid.UUID, dataDir string, pool *backend.ConnectionPool) *AtomicDatabase {
	return &AtomicDatabase{
		duckCatalog: newDuckCatalog(name, name, filepath.Join(dataDir, storeDirectory, id.String()), pool),
		id:          id,
		dataDir:     dataDir,
	}
}

func (d *AtomicDatabase) ID() uuid.UUID {
	return d.id
}

// LoadStoredObjects sweeps tombstoned metadata left behind by earlier drops
// before delegating to the shared load.
func (d *AtomicDatabase) LoadStoredObjects(ctx *sql.Context, forceRestore, forceAttach bool) error {
	tombstones := filepath.Join(d.dataDir, tombstoneDirectory)
	if entries, err := os.ReadDir(tombstones); err == nil {
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(tombstones, e.Name())); err != nil {
				d.log.WithError(err).WithField("entry", e.Name()).Warn("Failed to sweep tombstoned metadata")
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(d.metadataPath), 0755); err != nil {
		return err
	}
	return d.duckCatalog.LoadStoredObjects(ctx, forceRestore, forceAttach)
}

// Drop implements Base. The schema disappears from the catalog immediately,
// but auxiliary files are only moved into the tombstone directory; the next
// load removes them for good.
func (d *AtomicDatabase) Drop(ctx *sql.Context) error {
	if err := d.dropSchema(ctx); err != nil {
		return err
	}

	matches, err := filepath.Glob(d.metadataPath + "*")
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}
	tombstones := filepath.Join(d.dataDir, tombstoneDirectory)
	if err := os.MkdirAll(tombstones, 0755); err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Rename(m, filepath.Join(tombstones, filepath.Base(m))); err != nil {
			return err
		}
	}
	return nil
}
