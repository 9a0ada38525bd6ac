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
	stdsql "database/sql"
	"fmt"
	"strings"

	"github.com/dolthub/go-mysql-server/sql"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"

	"github.com/apecloud/mypgmirror/catalog"
)

// applyState carries the mutable bookkeeping of one apply-loop run.
type applyState struct {
	// lastWrittenLSN is the latest commit that has been durably applied
	// locally and checkpointed. Entries at or below it are skipped on
	// replay.
	lastWrittenLSN  pglogrepl.LSN
	lastCommitLSN   pglogrepl.LSN
	lastReceivedLSN pglogrepl.LSN

	// currentTransactionLSN is the final LSN of the remote transaction
	// being applied right now.
	currentTransactionLSN pglogrepl.LSN

	// processMessages is false while we are replaying entries the primary
	// resent after a restart; their changes are already on disk.
	processMessages bool
	inStream        bool

	typeMap   *pgtype.Map
	relations map[uint32]*pglogrepl.RelationMessageV2

	tx          *stdsql.Tx
	pendingRows int
}

// processMessage applies one XLogData entry. Transaction boundaries map to
// local DuckDB transactions; the WAL checkpoint advances only on commit, so
// a crash mid-transaction replays the whole remote transaction.
func (r *Replicator) processMessage(ctx context.Context, xld pglogrepl.XLogData, state *applyState) error {
	walData := xld.WALData
	logicalMsg, err := pglogrepl.ParseV2(walData, state.inStream)
	if err != nil {
		return fmt.Errorf("parse logical replication message: %w", err)
	}

	state.lastReceivedLSN = xld.ServerWALEnd
	lastReceivedLSN.Set(float64(xld.ServerWALEnd))

	switch logicalMsg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		state.relations[logicalMsg.RelationID] = logicalMsg

	case *pglogrepl.BeginMessage:
		if state.lastWrittenLSN > logicalMsg.FinalLSN {
			r.logger.Debugf("Received stale message, ignoring. Last written LSN: %s Message LSN: %s", state.lastWrittenLSN, logicalMsg.FinalLSN)
			state.processMessages = false
			return nil
		}
		state.processMessages = true
		state.currentTransactionLSN = logicalMsg.FinalLSN
		return r.beginLocalTx(state)

	case *pglogrepl.CommitMessage:
		if !state.processMessages {
			return nil
		}
		if err := r.commitLocalTx(state); err != nil {
			return err
		}
		state.lastCommitLSN = logicalMsg.CommitLSN
		state.lastWrittenLSN = state.currentTransactionLSN
		state.processMessages = false
		appliedTransactions.Inc()
		return r.positions.Save(state.lastWrittenLSN)

	case *pglogrepl.InsertMessageV2:
		return r.applyTupleChange(ctx, state, logicalMsg.RelationID, nil, logicalMsg.Tuple, changeInsert)

	case *pglogrepl.UpdateMessageV2:
		return r.applyTupleChange(ctx, state, logicalMsg.RelationID, logicalMsg.OldTuple, logicalMsg.NewTuple, changeUpdate)

	case *pglogrepl.DeleteMessageV2:
		return r.applyTupleChange(ctx, state, logicalMsg.RelationID, logicalMsg.OldTuple, nil, changeDelete)

	case *pglogrepl.TruncateMessageV2:
		if !state.processMessages {
			return nil
		}
		for _, relID := range logicalMsg.RelationIDs {
			rel, ok := state.relations[relID]
			if !ok {
				return fmt.Errorf("unknown relation ID %d in truncate", relID)
			}
			target := catalog.FullTableName(r.catalog.Name(), rel.RelationName)
			if _, err := r.applySinkChange(rel.RelationName, func() error {
				_, err := state.tx.ExecContext(ctx, "DELETE FROM "+target)
				return err
			}); err != nil {
				return err
			}
		}

	case *pglogrepl.StreamStartMessageV2:
		state.inStream = true
	case *pglogrepl.StreamStopMessageV2:
		state.inStream = false
	case *pglogrepl.StreamCommitMessageV2, *pglogrepl.StreamAbortMessageV2:
		// Streamed transactions are reassembled by ParseV2; nothing to do
		// at the outer boundaries.
	case *pglogrepl.LogicalDecodingMessageV2:
		r.logger.Debugf("Logical decoding message: %q, %q", logicalMsg.Prefix, logicalMsg.Content)
	case *pglogrepl.TypeMessageV2, *pglogrepl.OriginMessage:
		// No schema or origin tracking needed.
	default:
		r.logger.Debugf("Unknown message type in pgoutput stream: %T", logicalMsg)
	}
	return nil
}

type changeKind uint8

const (
	changeInsert changeKind = iota
	changeUpdate
	changeDelete
)

// applyTupleChange translates a single row-level message into a DuckDB
// statement inside the current local transaction. The statement runs under
// the sink lock, so a concurrent DeregisterSink returns only after this
// table's write has finished; changes for already-deregistered tables are
// dropped.
func (r *Replicator) applyTupleChange(ctx context.Context, state *applyState, relID uint32, oldTuple, newTuple *pglogrepl.TupleData, kind changeKind) error {
	if !state.processMessages {
		return nil
	}
	rel, ok := state.relations[relID]
	if !ok {
		return fmt.Errorf("unknown relation ID %d", relID)
	}

	target := catalog.FullTableName(r.catalog.Name(), rel.RelationName)

	applied, err := r.applySinkChange(rel.RelationName, func() error {
		switch kind {
		case changeInsert:
			values, _, err := decodeTuple(state.typeMap, rel, newTuple)
			if err != nil {
				return err
			}
			query, args := buildUpsert(target, rel, values, hasKeyColumns(rel))
			_, err = state.tx.ExecContext(ctx, query, args...)
			return err

		case changeUpdate:
			values, unchanged, err := decodeTuple(state.typeMap, rel, newTuple)
			if err != nil {
				return err
			}
			var oldValues []any
			if oldTuple != nil {
				if oldValues, _, err = decodeTuple(state.typeMap, rel, oldTuple); err != nil {
					return err
				}
			}
			keyValues, err := updateKeyValues(rel, oldValues, values)
			if err != nil {
				return err
			}
			query, args := buildUpdate(target, rel, values, unchanged, keyValues)
			if query == "" {
				return nil
			}
			_, err = state.tx.ExecContext(ctx, query, args...)
			return err

		case changeDelete:
			oldValues, _, err := decodeTuple(state.typeMap, rel, oldTuple)
			if err != nil {
				return err
			}
			query, args := buildDelete(target, rel, oldValues)
			_, err = state.tx.ExecContext(ctx, query, args...)
			return err
		}
		return nil
	})
	if err != nil || !applied {
		return err
	}

	appliedRows.WithLabelValues(rel.RelationName).Inc()
	state.pendingRows++
	if state.pendingRows >= r.maxBatchSize {
		// Flush early to bound memory. The checkpoint stays put, so a
		// crash before commit replays the transaction; upserts and
		// deletes tolerate the overlap.
		if err := r.commitLocalTx(state); err != nil {
			return err
		}
		return r.beginLocalTx(state)
	}
	return nil
}

func (r *Replicator) beginLocalTx(state *applyState) error {
	if state.tx != nil {
		return nil
	}
	tx, err := r.pool.Begin()
	if err != nil {
		return err
	}
	state.tx = tx
	state.pendingRows = 0
	return nil
}

func (r *Replicator) commitLocalTx(state *applyState) error {
	if state.tx == nil {
		return nil
	}
	err := state.tx.Commit()
	state.tx = nil
	state.pendingRows = 0
	return err
}

func hasKeyColumns(rel *pglogrepl.RelationMessageV2) bool {
	for _, col := range rel.Columns {
		if col.Flags == 1 {
			return true
		}
	}
	return false
}

// updateKeyValues selects the row-identity values an update should match:
// the old tuple when the message carries one (key change or REPLICA
// IDENTITY FULL), otherwise the new row's key columns. A keyless update
// without an old tuple cannot be located locally; pgoutput emits keyless
// updates only under REPLICA IDENTITY FULL, which always carries the old
// tuple, so this is a protocol violation rather than a fallback.
func updateKeyValues(rel *pglogrepl.RelationMessageV2, oldValues, newValues []any) ([]any, error) {
	if oldValues != nil {
		return pickKeyValues(rel, oldValues), nil
	}
	if !hasKeyColumns(rel) {
		return nil, fmt.Errorf("update for keyless relation %q carries no old tuple", rel.RelationName)
	}
	return pickKeyValues(rel, newValues), nil
}

// pickKeyValues selects the replica-identity column values from a full row,
// falling back to all columns when the relation has no key.
func pickKeyValues(rel *pglogrepl.RelationMessageV2, values []any) []any {
	if !hasKeyColumns(rel) {
		return values
	}
	var keys []any
	for i, col := range rel.Columns {
		if col.Flags == 1 {
			keys = append(keys, values[i])
		}
	}
	return keys
}

// buildUpsert renders an INSERT for the full tuple, using OR REPLACE when
// the relation has a replica identity so replays overwrite instead of
// colliding.
func buildUpsert(target string, rel *pglogrepl.RelationMessageV2, values []any, keyed bool) (string, []any) {
	var b strings.Builder
	if keyed {
		b.WriteString("INSERT OR REPLACE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(target)
	b.WriteString(" (")
	for i, col := range rel.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(col.Name))
	}
	b.WriteString(") VALUES (")
	for i := range rel.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	return b.String(), values
}

// buildUpdate renders an UPDATE that assigns every changed column and
// matches on the replica-identity columns. Unchanged TOAST columns are
// left out of the SET list so their stored values survive.
func buildUpdate(target string, rel *pglogrepl.RelationMessageV2, values []any, unchanged []bool, keyValues []any) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(target)
	b.WriteString(" SET ")

	var args []any
	wrote := false
	for i, col := range rel.Columns {
		if unchanged[i] {
			continue
		}
		if wrote {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(col.Name))
		b.WriteString(" = ?")
		args = append(args, values[i])
		wrote = true
	}
	if !wrote {
		return "", nil
	}

	b.WriteString(" WHERE ")
	appendKeyPredicate(&b, rel, &args, keyValues)
	return b.String(), args
}

func buildDelete(target string, rel *pglogrepl.RelationMessageV2, oldValues []any) (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(target)
	b.WriteString(" WHERE ")

	var args []any
	appendKeyPredicate(&b, rel, &args, pickKeyValues(rel, oldValues))
	return b.String(), args
}

// appendKeyPredicate writes "k1 = ? AND k2 = ?" over the replica-identity
// columns (or all columns for keyless relations). NULL key values compare
// with IS NULL.
func appendKeyPredicate(b *strings.Builder, rel *pglogrepl.RelationMessageV2, args *[]any, keyValues []any) {
	keyed := hasKeyColumns(rel)
	idx := 0
	for _, col := range rel.Columns {
		if keyed && col.Flags != 1 {
			continue
		}
		if idx > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(pq.QuoteIdentifier(col.Name))
		if keyValues[idx] == nil {
			b.WriteString(" IS NULL")
		} else {
			b.WriteString(" = ?")
			*args = append(*args, keyValues[idx])
		}
		idx++
	}
}

// copyInitialData copies the table's current contents from the primary into
// the nested table. The copy runs after slot creation, so rows that change
// while it is in flight are replayed from the slot afterwards; upserts make
// the overlap harmless.
func (r *Replicator) copyInitialData(ctx context.Context, conn *pgx.Conn, table string, schema sql.Schema) error {
	columns := make([]string, len(schema))
	for i, col := range schema {
		columns[i] = col.Name
	}
	colList := catalog.QuoteColumns(columns)

	rows, err := conn.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s", colList, catalog.FullTableName("public", table)),
		pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return err
	}
	defer rows.Close()

	target := catalog.FullTableName(r.catalog.Name(), table)
	var b strings.Builder
	b.WriteString("INSERT OR REPLACE INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	b.WriteString(colList)
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(")")
	insertQuery := b.String()

	tx, err := r.pool.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return err
	}

	copied := 0
	batched := 0
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return errShutdownRequested
		}
		rawValues, err := rows.Values()
		if err != nil {
			return err
		}
		args := make([]any, len(rawValues))
		for i, v := range rawValues {
			args[i] = normalizeValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
		copied++
		batched++

		if batched >= r.maxBatchSize {
			_ = stmt.Close()
			if err := tx.Commit(); err != nil {
				tx = nil
				return err
			}
			tx, err = r.pool.Begin()
			if err != nil {
				tx = nil
				return err
			}
			stmt, err = tx.PrepareContext(ctx, insertQuery)
			if err != nil {
				return err
			}
			batched = 0
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		tx = nil
		return err
	}
	tx = nil

	snapshotRows.WithLabelValues(table).Add(float64(copied))
	r.logger.WithField("table", table).Infof("Copied %d rows during initial load", copied)
	return nil
}
