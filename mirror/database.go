package mirror

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/sirupsen/logrus"
	"gopkg.in/src-d/go-errors.v1"

	"github.com/apecloud/mypgmirror/catalog"
	"github.com/apecloud/mypgmirror/configuration"
	"github.com/apecloud/mypgmirror/mycontext"
)

// MetadataSuffix names the per-database replication metadata file, derived
// from the base catalog's metadata path. Its presence marks an active or
// previously active replication session; it is removed only on Drop.
const MetadataSuffix = ".pg_mirror_metadata"

var ErrSynchronizationStarted = errors.NewKind("synchronization already started for mirrored database %s")

// handlerState tracks the two-phase teardown of the synchronization handler
// explicitly, so Stop/StopAndRelease stay idempotent regardless of call-site
// ordering.
type handlerState uint8

const (
	handlerRunning handlerState = iota
	handlerStopped
	handlerReleased
)

// MirrorDatabase mediates every catalog operation for a database whose
// tables are sourced from an external PostgreSQL database, and manages the
// background synchronization lifecycle. It extends a base catalog flavor
// rather than replacing it: all storage-level work is delegated to the
// wrapped catalog.Base.
type MirrorDatabase struct {
	base             catalog.Base
	remoteDatabase   string
	remoteDSN        string
	engineDefinition string
	settings         *configuration.MirrorSettings
	newHandler       HandlerFactory

	// bgCtx is an independent copy of the process-wide context. The handler
	// outlives any single request, so it must never be bound to a request's
	// context.
	bgCtx    context.Context
	cancelBg context.CancelFunc

	// startMu serializes synchronization lifecycle transitions
	// (start/shutdown/drop). It is never held during query serving.
	startMu sync.Mutex
	handler Handler
	hstate  handlerState
	started bool

	// mu guards the placeholder registry. Written by the synchronization
	// domain, read by arbitrarily many query threads.
	mu       sync.RWMutex
	registry map[string]*Placeholder

	log *logrus.Entry
}

var _ sql.Database = (*MirrorDatabase)(nil)
var _ sql.TableCreator = (*MirrorDatabase)(nil)
var _ sql.TableDropper = (*MirrorDatabase)(nil)

// Options carries the remote identity and configuration of a mirrored
// database, parsed from its CREATE DATABASE definition.
type Options struct {
	// RemoteDatabase is the name of the source database.
	RemoteDatabase string
	// RemoteDSN is the serialized connection descriptor of the source.
	RemoteDSN string
	// EngineDefinition is the originating "CREATE DATABASE ... ENGINE" text,
	// kept for introspection and recreation, never executed.
	EngineDefinition string
	// Settings is the optional settings bundle; nil falls back to global
	// defaults.
	Settings *configuration.MirrorSettings
	// Handler builds the synchronization handler.
	Handler HandlerFactory
	// BaseContext is the process-wide context; defaults to
	// context.Background.
	BaseContext context.Context
}

func NewMirrorDatabase(base catalog.Base, opts Options) *MirrorDatabase {
	parent := opts.BaseContext
	if parent == nil {
		parent = context.Background()
	}
	bgCtx, cancel := context.WithCancel(parent)

	return &MirrorDatabase{
		base:             base,
		remoteDatabase:   opts.RemoteDatabase,
		remoteDSN:        opts.RemoteDSN,
		engineDefinition: opts.EngineDefinition,
		settings:         opts.Settings,
		newHandler:       opts.Handler,
		bgCtx:            bgCtx,
		cancelBg:         cancel,
		registry:         make(map[string]*Placeholder),
		log: logrus.WithFields(logrus.Fields{
			"component": "mirror",
			"database":  base.Name(),
		}),
	}
}

// Name implements sql.Database.
func (d *MirrorDatabase) Name() string {
	return d.base.Name()
}

func (d *MirrorDatabase) RemoteDatabase() string {
	return d.remoteDatabase
}

func (d *MirrorDatabase) EngineDefinition() string {
	return d.engineDefinition
}

func (d *MirrorDatabase) MetadataFilePath() string {
	return d.base.MetadataPath() + MetadataSuffix
}

// LoadStoredObjects delegates to the base catalog's load and then starts
// synchronization. A base load failure propagates unchanged. A
// synchronization start failure does not: the database stays attached with
// zero mirrored tables and no running handler, and StartSynchronization can
// be retried manually.
func (d *MirrorDatabase) LoadStoredObjects(ctx *sql.Context, forceRestore, forceAttach bool) error {
	if err := d.base.LoadStoredObjects(ctx, forceRestore, forceAttach); err != nil {
		return err
	}
	if err := d.StartSynchronization(); err != nil {
		d.log.WithError(err).Warn("Failed to start synchronization; database remains attached without mirrored tables")
	}
	return nil
}

// StartSynchronization builds the synchronization handler, discovers the
// tables to mirror, registers a placeholder per table, and starts the
// background apply loop. Discovery happens exactly once per controller
// lifetime; calling this again after a successful start is an error.
func (d *MirrorDatabase) StartSynchronization() error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.started {
		return ErrSynchronizationStarted.New(d.Name())
	}

	h, err := d.newHandler(HandlerConfig{
		Database:      d,
		RemoteDSN:     d.remoteDSN,
		MetadataPath:  d.MetadataFilePath(),
		BackgroundCtx: d.bgCtx,
		MaxBatchSize:  d.settings.EffectiveMaxBatchSize(),
		Tables:        d.settings.MirrorTables(),
	})
	if err != nil {
		return err
	}

	names, err := h.FetchRequiredTables(d.bgCtx)
	if err != nil {
		return fmt.Errorf("discover mirrored tables: %w", err)
	}

	for _, name := range names {
		ph := d.GetStorage(name)
		if err := h.RegisterSink(name, ph); err != nil {
			return err
		}
		d.mu.Lock()
		d.registry[strings.ToLower(name)] = ph
		d.mu.Unlock()
	}

	if err := h.Start(); err != nil {
		return err
	}

	d.handler = h
	d.hstate = handlerRunning
	d.started = true
	d.log.WithField("tables", len(names)).Info("Loaded mirrored tables. Starting synchronization")
	return nil
}

// GetStorage resolves or creates the placeholder for a table name. A table
// the base catalog already tracks (from a previous session, or a
// pre-existing non-mirrored table) is wrapped ready; anything else starts
// unready. Never fails for a well-formed name.
func (d *MirrorDatabase) GetStorage(name string) *Placeholder {
	key := strings.ToLower(name)

	d.mu.RLock()
	ph, ok := d.registry[key]
	d.mu.RUnlock()
	if ok {
		return ph
	}

	ph = NewPlaceholder(d.Name(), name)
	if tbl, ok, err := d.base.TryGetTable(sql.NewContext(d.bgCtx), name); err == nil && ok {
		ph.Publish(tbl)
	}
	return ph
}

// TryGetTable answers table lookups. The reserved replication identity is
// routed straight to the base catalog (the internal bootstrap path);
// everyone else sees only placeholders that finished their initial load. An
// unready table is invisible, not an error.
func (d *MirrorDatabase) TryGetTable(ctx *sql.Context, name string) (sql.Table, bool, error) {
	if mycontext.IsReplicationQuery(ctx) {
		return d.base.TryGetTable(ctx, name)
	}

	d.mu.RLock()
	ph, ok := d.registry[strings.ToLower(name)]
	d.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if tbl, ready := ph.Nested(); ready {
		return tbl, true, nil
	}
	return nil, false, nil
}

// GetTableInsensitive implements sql.Database.
func (d *MirrorDatabase) GetTableInsensitive(ctx *sql.Context, tblName string) (sql.Table, bool, error) {
	return d.TryGetTable(ctx, tblName)
}

// GetTableNames implements sql.Database. Only ready placeholders are
// enumerated, consistent with TryGetTable.
func (d *MirrorDatabase) GetTableNames(ctx *sql.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.registry))
	for _, ph := range d.registry {
		if ph.Ready() {
			names = append(names, ph.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// TablesSnapshot returns the ready subset of the registry, keyed by table
// name, optionally filtered.
func (d *MirrorDatabase) TablesSnapshot(filter func(name string) bool) map[string]sql.Table {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snapshot := make(map[string]sql.Table, len(d.registry))
	for _, ph := range d.registry {
		if filter != nil && !filter(ph.Name()) {
			continue
		}
		if tbl, ready := ph.Nested(); ready {
			snapshot[ph.Name()] = tbl
		}
	}
	return snapshot
}

// CreateTable implements sql.TableCreator. Only the replication bootstrap
// path, carrying the reserved identity, may create tables in a mirrored
// database. Ordinary statements are logged and ignored rather than failed,
// so the gating is diagnosable from logs without surfacing as a permission
// error.
func (d *MirrorDatabase) CreateTable(ctx *sql.Context, name string, schema sql.PrimaryKeySchema, collation sql.CollationID, comment string) error {
	if mycontext.IsReplicationQuery(ctx) {
		return d.base.CreateTable(ctx, name, schema)
	}
	d.log.WithField("table", name).Warn("CREATE TABLE on a mirrored database is allowed only for the synchronization path; statement ignored")
	return nil
}

// DropTable implements sql.TableDropper. The placeholder is deregistered
// from the handler before the base drop runs, so an in-flight apply cannot
// write into a table that is going away.
func (d *MirrorDatabase) DropTable(ctx *sql.Context, name string) error {
	key := strings.ToLower(name)

	d.mu.Lock()
	_, tracked := d.registry[key]
	delete(d.registry, key)
	d.mu.Unlock()

	if tracked {
		d.startMu.Lock()
		if d.handler != nil && d.hstate == handlerRunning {
			d.handler.DeregisterSink(name)
		}
		d.startMu.Unlock()
	}

	return d.base.DropTable(ctx, name)
}

// Shutdown stops the apply loop but keeps metadata and the database object
// alive; the database may be reloaded later and resume replication.
func (d *MirrorDatabase) Shutdown() {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	if d.handler != nil && d.hstate == handlerRunning {
		if err := d.handler.Stop(); err != nil {
			d.log.WithError(err).Warn("Failed to stop the synchronization handler cleanly")
		}
		d.hstate = handlerStopped
	}
}

// Drop permanently tears down replication: stop the apply loop, release the
// remote-side session resources, remove the local metadata file, then
// delegate to the base catalog's drop. Remote release runs before the
// metadata disappears, so a restart can never find a dangling remote
// session with no local record. A release failure aborts the drop.
// Idempotent: a second call finds no handler and no metadata file.
func (d *MirrorDatabase) Drop(ctx *sql.Context) error {
	d.startMu.Lock()
	if d.handler != nil {
		if d.hstate == handlerRunning {
			if err := d.handler.Stop(); err != nil {
				d.startMu.Unlock()
				return err
			}
			d.hstate = handlerStopped
		}
		if d.hstate != handlerReleased {
			if err := d.handler.StopAndRelease(); err != nil {
				d.startMu.Unlock()
				return fmt.Errorf("release replication session: %w", err)
			}
			d.hstate = handlerReleased
		}
		d.handler = nil
	}
	d.startMu.Unlock()

	if err := os.Remove(d.MetadataFilePath()); err != nil && !os.IsNotExist(err) {
		return err
	}

	d.mu.Lock()
	d.registry = make(map[string]*Placeholder)
	d.mu.Unlock()

	d.cancelBg()
	return d.base.Drop(ctx)
}
