package mirror

import (
	"sync/atomic"

	"github.com/dolthub/go-mysql-server/sql"
)

// Placeholder is the local handle for a mirrored table. It starts unready,
// with no nested storage, and becomes ready exactly once when the
// synchronization handler publishes the storage that finished its initial
// load. Readiness never reverts.
//
// The nested storage is published through an atomic pointer so that query
// threads observing Ready always observe the fully constructed storage too.
type Placeholder struct {
	name     string
	database string // owning database name, used for addressing only
	nested   atomic.Pointer[nestedStorage]
}

type nestedStorage struct {
	tbl sql.Table
}

var _ Sink = (*Placeholder)(nil)

func NewPlaceholder(database, name string) *Placeholder {
	return &Placeholder{name: name, database: database}
}

func (p *Placeholder) Name() string {
	return p.name
}

func (p *Placeholder) Database() string {
	return p.database
}

// Publish transitions the placeholder to ready with the given nested
// storage. It reports whether the transition happened: the first publication
// wins and later calls are ignored.
func (p *Placeholder) Publish(tbl sql.Table) bool {
	if tbl == nil {
		return false
	}
	return p.nested.CompareAndSwap(nil, &nestedStorage{tbl: tbl})
}

func (p *Placeholder) Ready() bool {
	return p.nested.Load() != nil
}

// Nested returns the published storage, if any.
func (p *Placeholder) Nested() (sql.Table, bool) {
	if n := p.nested.Load(); n != nil {
		return n.tbl, true
	}
	return nil, false
}
