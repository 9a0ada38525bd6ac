// Copyright 2024 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logrepl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/apecloud/mypgmirror/backend"
	"github.com/apecloud/mypgmirror/configuration"
	"github.com/apecloud/mypgmirror/mirror"
	"github.com/apecloud/mypgmirror/mycontext"
)

const outputPlugin = "pgoutput"

// maxConsecutiveFailures is the maximum number of consecutive RPC errors
// that can occur before the replication thread gives up.
const maxConsecutiveFailures = 10

var errShutdownRequested = errors.New("shutdown requested")

// Catalog is the slice of database behavior the replicator drives while
// bootstrapping nested tables. The mirror database satisfies it; the
// replicator always calls it with the reserved replication identity.
type Catalog interface {
	Name() string
	CreateTable(ctx *sql.Context, name string, schema sql.PrimaryKeySchema, collation sql.CollationID, comment string) error
	TryGetTable(ctx *sql.Context, name string) (sql.Table, bool, error)
}

type runState uint8

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
	stateReleased
)

type Config struct {
	Catalog      Catalog
	Pool         *backend.ConnectionPool
	RemoteDSN    string
	Publication  string
	SlotName     string // defaults to the publication name
	MetadataPath string
	MaxBatchSize int
	Tables       []string
	// BackgroundCtx bounds the apply loop's lifetime. Must not be a
	// request context.
	BackgroundCtx context.Context
}

// Replicator runs a logical-replication session against a PostgreSQL
// primary and applies the change stream to the local mirror tables. It is
// the concrete synchronization handler consumed by the mirror controller.
type Replicator struct {
	catalog      Catalog
	pool         *backend.ConnectionPool
	remoteDSN    string
	publication  string
	slotName     string
	maxBatchSize int
	tables       []string
	bgCtx        context.Context
	positions    *lsnStore
	logger       *logrus.Entry

	mu          sync.Mutex
	st          runState
	everStarted bool
	cancelRun   context.CancelFunc
	done        chan struct{}
	sinks       map[string]mirror.Sink
}

var _ mirror.Handler = (*Replicator)(nil)

func NewReplicator(cfg Config) (*Replicator, error) {
	if cfg.Catalog == nil || cfg.Pool == nil {
		return nil, errors.New("logrepl: catalog and pool are required")
	}
	if cfg.RemoteDSN == "" {
		return nil, errors.New("logrepl: remote DSN is required")
	}
	if cfg.Publication == "" {
		return nil, errors.New("logrepl: publication name is required")
	}
	slot := cfg.SlotName
	if slot == "" {
		slot = cfg.Publication
	}
	batch := cfg.MaxBatchSize
	if batch <= 0 {
		batch = configuration.GlobalMaxBatchSize()
	}
	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	return &Replicator{
		catalog:      cfg.Catalog,
		pool:         cfg.Pool,
		remoteDSN:    cfg.RemoteDSN,
		publication:  cfg.Publication,
		slotName:     slot,
		maxBatchSize: batch,
		tables:       cfg.Tables,
		bgCtx:        bgCtx,
		positions:    newLSNStore(cfg.MetadataPath),
		sinks:        make(map[string]mirror.Sink),
		logger: logrus.WithFields(logrus.Fields{
			"component":   "replicator",
			"publication": cfg.Publication,
		}),
	}, nil
}

// PrimaryDSN returns the connection string for ordinary queries against the
// primary. Not suitable for replication RPCs; see ReplicationDSN.
func (r *Replicator) PrimaryDSN() string {
	return r.remoteDSN
}

// ReplicationDSN returns the primary's connection string with the
// replication query parameter appended. Not suitable for normal query RPCs.
func (r *Replicator) ReplicationDSN() string {
	if strings.Contains(r.remoteDSN, "?") {
		return fmt.Sprintf("%s&replication=database", r.remoteDSN)
	}
	return fmt.Sprintf("%s?replication=database", r.remoteDSN)
}

// FetchRequiredTables implements mirror.Handler. With a configured tables
// list the list wins; otherwise the publication's membership is the source
// of truth. Either way the primary must be reachable, so an unreachable
// source surfaces here as a discovery failure.
func (r *Replicator) FetchRequiredTables(ctx context.Context) ([]string, error) {
	conn, err := pgx.Connect(ctx, r.remoteDSN)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	if len(r.tables) > 0 {
		names := make([]string, len(r.tables))
		copy(names, r.tables)
		sort.Strings(names)
		return names, nil
	}

	rows, err := conn.Query(ctx,
		"SELECT tablename FROM pg_publication_tables WHERE pubname = $1 AND schemaname = 'public'",
		r.publication)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// RegisterSink implements mirror.Handler.
func (r *Replicator) RegisterSink(name string, sink mirror.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.st != stateIdle {
		return fmt.Errorf("cannot register sink %q: replication already started", name)
	}
	r.sinks[strings.ToLower(name)] = sink
	return nil
}

// DeregisterSink implements mirror.Handler. It acquires the same lock the
// apply path holds while writing, so it returns only once any in-flight
// apply for this table has finished.
func (r *Replicator) DeregisterSink(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, strings.ToLower(name))
}

func (r *Replicator) sink(name string) (mirror.Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[strings.ToLower(name)]
	return s, ok
}

// applySinkChange runs fn while holding the sink lock, provided the table
// is still registered. DeregisterSink contends on the same lock, so it
// cannot return while fn is mid-write for that table. Reports whether fn
// ran.
func (r *Replicator) applySinkChange(name string, fn func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[strings.ToLower(name)]; !ok {
		return false, nil
	}
	return true, fn()
}

func (r *Replicator) sinkNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// Running reports whether the apply loop is currently running.
func (r *Replicator) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st == stateRunning
}

// Start implements mirror.Handler. It creates the replication slot if
// needed, initializes the on-disk checkpoint, and launches the background
// apply loop. Non-blocking beyond this initial setup.
func (r *Replicator) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.st {
	case stateRunning:
		return errors.New("replication already running")
	case stateReleased:
		return errors.New("replication session has been released")
	}

	if err := r.createReplicationSlotIfNecessary(); err != nil {
		return err
	}
	if err := r.positions.Init(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(r.bgCtx)
	done := make(chan struct{})
	r.cancelRun = cancel
	r.done = done
	r.st = stateRunning
	r.everStarted = true

	go func() {
		defer close(done)
		r.run(runCtx)

		r.mu.Lock()
		if r.st == stateRunning {
			r.st = stateStopped
		}
		r.mu.Unlock()
	}()
	return nil
}

// Stop implements mirror.Handler. It requests a graceful halt and waits,
// with no fixed timeout, until the apply loop acknowledges. Idempotent.
func (r *Replicator) Stop() error {
	r.mu.Lock()
	if r.st != stateRunning {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancelRun, r.done
	r.mu.Unlock()

	r.logger.Info("Stopping replication...")
	cancel()
	<-done

	r.mu.Lock()
	if r.st == stateRunning {
		r.st = stateStopped
	}
	r.mu.Unlock()
	return nil
}

// StopAndRelease implements mirror.Handler. On top of Stop it drops the
// remote replication slot, releasing the only remote-side resource the
// session holds. Safe to call without a prior Stop and safe to repeat; a
// session that never started has nothing remote to release.
func (r *Replicator) StopAndRelease() error {
	if err := r.Stop(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.st == stateReleased {
		r.mu.Unlock()
		return nil
	}
	everStarted := r.everStarted
	r.mu.Unlock()

	if everStarted {
		if err := r.dropReplicationSlot(); err != nil {
			return fmt.Errorf("drop replication slot %q: %w", r.slotName, err)
		}
	}

	r.mu.Lock()
	r.st = stateReleased
	r.mu.Unlock()
	r.logger.Info("Replication session released")
	return nil
}

// createReplicationSlotIfNecessary creates the logical replication slot if
// it doesn't already exist on the primary.
func (r *Replicator) createReplicationSlotIfNecessary() error {
	conn, err := pgx.Connect(r.bgCtx, r.remoteDSN)
	if err != nil {
		return err
	}
	defer conn.Close(r.bgCtx)

	var exists bool
	err = conn.QueryRow(r.bgCtx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", r.slotName).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// Slot creation requires a replication connection.
	replConn, err := pgconn.Connect(r.bgCtx, r.ReplicationDSN())
	if err != nil {
		return err
	}
	defer replConn.Close(r.bgCtx)

	_, err = pglogrepl.CreateReplicationSlot(r.bgCtx, replConn, r.slotName, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			// Already exists; lost the race with another creator.
			return nil
		}
		return err
	}

	r.logger.Infoln("Created replication slot:", r.slotName)
	return nil
}

// dropReplicationSlot drops the replication slot. A missing slot is not an
// error.
func (r *Replicator) dropReplicationSlot() error {
	conn, err := pgconn.Connect(context.Background(), r.ReplicationDSN())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	err = pglogrepl.DropReplicationSlot(context.Background(), conn, r.slotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42704" {
			return nil
		}
		return err
	}
	return nil
}

// run bootstraps the nested tables and then consumes the change stream
// until the context is canceled or too many consecutive errors occur.
func (r *Replicator) run(ctx context.Context) {
	if err := r.bootstrap(ctx); err != nil {
		if !errors.Is(err, errShutdownRequested) && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Error("Initial load failed; apply loop not started")
		}
		return
	}
	if err := r.applyLoop(ctx); err != nil {
		if !errors.Is(err, errShutdownRequested) && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Error("Error during replication")
		}
	}
}

// bootstrap ensures every registered sink has a nested table, runs the
// initial snapshot copy for tables that need one, and publishes the nested
// storage on the sink, flipping it to ready.
func (r *Replicator) bootstrap(ctx context.Context) error {
	privCtx := r.newReplicationContext(ctx)

	var pending []string
	for _, name := range r.sinkNames() {
		s, ok := r.sink(name)
		if !ok || s.Ready() {
			continue
		}
		pending = append(pending, name)
	}
	if len(pending) == 0 {
		return nil
	}

	conn, err := pgx.Connect(ctx, r.remoteDSN)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return errShutdownRequested
		}

		schema, err := fetchRemoteTableSchema(ctx, conn, name)
		if err != nil {
			return fmt.Errorf("fetch structure of %q: %w", name, err)
		}
		if err := r.catalog.CreateTable(privCtx, name, schema, sql.Collation_Default, ""); err != nil {
			if !sql.ErrTableAlreadyExists.Is(err) {
				return fmt.Errorf("create nested table for %q: %w", name, err)
			}
		}
		if err := r.copyInitialData(ctx, conn, name, schema.Schema); err != nil {
			return fmt.Errorf("initial load of %q: %w", name, err)
		}

		tbl, ok, err := r.catalog.TryGetTable(privCtx, name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("nested table for %q disappeared during initial load", name)
		}
		if s, stillRegistered := r.sink(name); stillRegistered {
			s.Publish(tbl)
			r.logger.WithField("table", name).Info("Initial load finished; table is now queryable")
		}
	}
	return nil
}

// newReplicationContext builds an engine context carrying the reserved
// replication identity, bound to the handler's background lifetime.
func (r *Replicator) newReplicationContext(ctx context.Context) *sql.Context {
	return sql.NewContext(mycontext.WithQueryOrigin(ctx, mycontext.ReplicationQueryOrigin))
}

type rcvMsg struct {
	msg pgproto3.BackendMessage
	err error
}

// copyDataKind extracts the stream message tag from a CopyData payload.
// A misbehaving primary can send an empty payload; reports false instead of
// letting callers index into it.
func copyDataKind(data []byte) (byte, bool) {
	if len(data) == 0 {
		return 0, false
	}
	return data[0], true
}

// applyLoop consumes the change stream. Adapted from the standby-status
// protocol: every processed message is acknowledged with the last locally
// flushed WAL position.
func (r *Replicator) applyLoop(ctx context.Context) error {
	standbyMessageTimeout := 10 * time.Second
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	lastWrittenLSN, err := r.positions.Load()
	if err != nil {
		return err
	}

	state := &applyState{
		lastWrittenLSN: lastWrittenLSN,
		lastCommitLSN:  lastWrittenLSN,
		typeMap:        pgtype.NewMap(),
		relations:      map[uint32]*pglogrepl.RelationMessageV2{},
	}
	defer func() {
		// A transaction interrupted before its remote commit is rolled back;
		// the checkpoint still points before it, so it is replayed in full
		// next time.
		if state.tx != nil {
			_ = state.tx.Rollback()
			state.tx = nil
		}
	}()

	var primaryConn *pgconn.PgConn
	defer func() {
		if primaryConn != nil {
			_ = primaryConn.Close(context.Background())
		}
	}()

	connErrCnt := 0
	handleErrWithRetry := func(err error) error {
		if err != nil {
			connErrCnt++
			if connErrCnt < maxConsecutiveFailures {
				r.logger.WithError(err).Debug("Transient replication error; reconnecting")
				if primaryConn != nil {
					_ = primaryConn.Close(context.Background())
				}
				primaryConn = nil
				return nil
			}
			return err
		}
		connErrCnt = 0
		return nil
	}

	sendStandbyStatusUpdate := func() error {
		// The primary wants the current WAL position + 1.
		err := pglogrepl.SendStandbyStatusUpdate(context.Background(), primaryConn, pglogrepl.StandbyStatusUpdate{
			WALWritePosition: state.lastReceivedLSN + 1,
			WALFlushPosition: state.lastWrittenLSN + 1,
			WALApplyPosition: state.lastWrittenLSN + 1,
		})
		if err != nil {
			return handleErrWithRetry(err)
		}
		nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		return nil
	}

	r.logger.WithField("slot", r.slotName).Debug("Starting apply loop")

	for {
		err := func() error {
			select {
			case <-ctx.Done():
				return errShutdownRequested
			default:
			}

			if primaryConn == nil {
				var err error
				primaryConn, err = r.beginStreaming(state.lastWrittenLSN)
				if err != nil {
					// Back off a little; re-establishment tends to fail the
					// same way repeatedly.
					time.Sleep(3 * time.Second)
					return handleErrWithRetry(err)
				}
			}

			if time.Now().After(nextStandbyMessageDeadline) && state.lastReceivedLSN > 0 {
				if err := sendStandbyStatusUpdate(); err != nil {
					return err
				}
				if primaryConn == nil {
					// Connection lost; re-establish on the next pass.
					return nil
				}
			}

			recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
			receiveMsgChan := make(chan rcvMsg, 1)
			go func() {
				rawMsg, err := primaryConn.ReceiveMessage(recvCtx)
				receiveMsgChan <- rcvMsg{msg: rawMsg, err: err}
			}()

			var msgAndErr rcvMsg
			select {
			case <-ctx.Done():
				cancel()
				return errShutdownRequested
			case msgAndErr = <-receiveMsgChan:
				cancel()
			}

			if msgAndErr.err != nil {
				if pgconn.Timeout(msgAndErr.err) {
					return nil
				}
				return handleErrWithRetry(msgAndErr.err)
			}
			connErrCnt = 0

			rawMsg := msgAndErr.msg
			if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
				return fmt.Errorf("received Postgres WAL error: %+v", errMsg)
			}

			msg, ok := rawMsg.(*pgproto3.CopyData)
			if !ok {
				r.logger.Debugf("Received unexpected message: %T", rawMsg)
				return nil
			}

			kind, ok := copyDataKind(msg.Data)
			if !ok {
				r.logger.Debug("Received empty CopyData message")
				return nil
			}

			switch kind {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("ParsePrimaryKeepaliveMessage failed: %w", err)
				}
				state.lastReceivedLSN = pkm.ServerWALEnd
				lastReceivedLSN.Set(float64(pkm.ServerWALEnd))
				if pkm.ReplyRequested {
					// Send our reply the next time through the loop.
					nextStandbyMessageDeadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return err
				}
				if err := r.processMessage(ctx, xld, state); err != nil {
					return handleErrWithRetry(err)
				}
				return sendStandbyStatusUpdate()
			default:
				r.logger.Debugf("Received unexpected CopyData prefix: %v", kind)
			}
			return nil
		}()

		if err != nil {
			if errors.Is(err, errShutdownRequested) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// beginStreaming opens a replication connection and starts streaming after
// the last locally flushed position. The LSN only skips entries the primary
// may resend after a crash; it cannot rewind.
func (r *Replicator) beginStreaming(lastFlushLSN pglogrepl.LSN) (*pgconn.PgConn, error) {
	conn, err := pgconn.Connect(context.Background(), r.ReplicationDSN())
	if err != nil {
		return nil, err
	}

	// Streaming of large transactions is available since PG 14
	// (protocol version 2).
	pluginArguments := []string{
		"proto_version '2'",
		fmt.Sprintf("publication_names '%s'", r.publication),
		"messages 'true'",
		"streaming 'true'",
	}

	err = pglogrepl.StartReplication(context.Background(), conn, r.slotName, lastFlushLSN+1, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArguments,
	})
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	r.logger.Infoln("Logical replication started on slot", r.slotName)
	return conn, nil
}
