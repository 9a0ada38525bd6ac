package mirror

import (
	"context"

	"github.com/dolthub/go-mysql-server/sql"
)

// Handler is the contract the controller consumes from the synchronization
// subsystem. The concrete implementation lives in the logrepl package; tests
// substitute fakes.
type Handler interface {
	// FetchRequiredTables enumerates the remote tables that must be
	// mirrored. One-shot: the controller calls it exactly once per
	// synchronization start.
	FetchRequiredTables(ctx context.Context) ([]string, error)

	// RegisterSink associates a table name with the local object that will
	// receive its storage once the initial load completes. Must be called
	// before Start.
	RegisterSink(name string, sink Sink) error

	// DeregisterSink detaches a table from the apply loop. It returns only
	// after the handler acknowledges, so a subsequent local drop cannot race
	// with an in-flight apply.
	DeregisterSink(name string)

	// Start begins the asynchronous apply loop.
	Start() error

	// Stop requests a graceful halt of the apply loop and waits for it.
	// Safe to call when already stopped.
	Stop() error

	// StopAndRelease additionally releases remote-side session resources
	// (the replication slot). Safe to call when already stopped, and without
	// a prior Stop.
	StopAndRelease() error
}

// Sink is the placeholder-side contract the handler publishes into.
type Sink interface {
	Name() string
	Publish(nested sql.Table) bool
	Ready() bool
}

// HandlerConfig carries everything a handler needs from its owning database.
type HandlerConfig struct {
	// Database is the bootstrap surface: nested table creation and lookup
	// run through it with the reserved replication identity.
	Database *MirrorDatabase

	RemoteDSN    string
	MetadataPath string

	// BackgroundCtx outlives any single request; the handler's apply loop is
	// bound to it.
	BackgroundCtx context.Context

	MaxBatchSize int

	// Tables is the macro-expanded mirror list. Empty means "everything the
	// remote publication exposes".
	Tables []string
}

// HandlerFactory builds the synchronization handler for a database. Injected
// so the controller does not depend on the concrete replication stack.
type HandlerFactory func(cfg HandlerConfig) (Handler, error)
