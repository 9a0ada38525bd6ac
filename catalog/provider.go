package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/dolthub/go-mysql-server/sql"
)

// DatabaseProvider serves the engine's database lookups over the registered
// databases. Mirrored databases register themselves here after construction.
type DatabaseProvider struct {
	mu  sync.RWMutex
	dbs map[string]sql.Database
}

var _ sql.DatabaseProvider = (*DatabaseProvider)(nil)

func NewDatabaseProvider(dbs ...sql.Database) *DatabaseProvider {
	prov := &DatabaseProvider{dbs: make(map[string]sql.Database, len(dbs))}
	for _, db := range dbs {
		prov.dbs[strings.ToLower(db.Name())] = db
	}
	return prov
}

func (prov *DatabaseProvider) Register(db sql.Database) {
	prov.mu.Lock()
	defer prov.mu.Unlock()
	prov.dbs[strings.ToLower(db.Name())] = db
}

func (prov *DatabaseProvider) Unregister(name string) {
	prov.mu.Lock()
	defer prov.mu.Unlock()
	delete(prov.dbs, strings.ToLower(name))
}

// Database implements sql.DatabaseProvider.
func (prov *DatabaseProvider) Database(ctx *sql.Context, name string) (sql.Database, error) {
	prov.mu.RLock()
	defer prov.mu.RUnlock()

	if db, ok := prov.dbs[strings.ToLower(name)]; ok {
		return db, nil
	}
	return nil, sql.ErrDatabaseNotFound.New(name)
}

// HasDatabase implements sql.DatabaseProvider.
func (prov *DatabaseProvider) HasDatabase(ctx *sql.Context, name string) bool {
	prov.mu.RLock()
	defer prov.mu.RUnlock()

	_, ok := prov.dbs[strings.ToLower(name)]
	return ok
}

// AllDatabases implements sql.DatabaseProvider.
func (prov *DatabaseProvider) AllDatabases(ctx *sql.Context) []sql.Database {
	prov.mu.RLock()
	defer prov.mu.RUnlock()

	all := make([]sql.Database, 0, len(prov.dbs))
	for _, db := range prov.dbs {
		all = append(all, db)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name() < all[j].Name()
	})
	return all
}
