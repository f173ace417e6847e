package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hannesmnagel/blackbird/internal/record"
	"github.com/hannesmnagel/blackbird/internal/store"
	"github.com/hannesmnagel/blackbird/internal/transport"
)

// batchProvider returns the callback the transport pulls outgoing changes
// through. A nil resolver signals there is nothing to send for the requested
// scope; otherwise each pending change resolves lazily, on demand.
func (e *Engine) batchProvider() transport.BatchProvider {
	return func(changes []transport.Change) transport.RecordResolver {
		if len(changes) == 0 {
			return nil
		}
		return e.resolveChange
	}
}

// resolveChange resolves one pending change into the record to send.
//
// Stale changes (table gone, id column gone, row deleted after being
// queued) are dropped from the transport's pending set and resolve to no
// record. Any unexpected error is logged and handled the same way, so one
// bad record never blocks the rest of the batch.
func (e *Engine) resolveChange(ctx context.Context, ch transport.Change) *record.Record {
	rec, err := e.recordForChange(ctx, ch)
	if err != nil {
		e.logger.Printf("Warning: dropping pending change for %s: %v", ch.ID, err)
		e.transport.RemoveChanges([]transport.Change{ch})
		return nil
	}
	if rec == nil {
		e.transport.RemoveChanges([]transport.Change{ch})
		return nil
	}
	return rec
}

// recordForChange builds the outgoing record for an upsert change by merging
// local field values onto the best-known remote record shape: the existing
// remote record when it can be fetched, a fresh one otherwise. A nil record
// with nil error means the change is stale and should be dropped.
func (e *Engine) recordForChange(ctx context.Context, ch transport.Change) (*record.Record, error) {
	table := ch.ID.Zone

	cols, err := store.TableInfo(ctx, e.store, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 || !hasColumn(cols, store.IDColumn) {
		// The table vanished or was never sync-shaped; the change is stale.
		return nil, nil
	}

	keys := make([]string, 0, len(cols))
	for _, c := range cols {
		keys = append(keys, c.Name)
	}

	row, err := readRow(ctx, e.store, table, ch.ID.Name, keys)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted after being queued.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Optimistic reset at batch-construction time: a local edit landing
	// between here and the actual send is marked Synced without its new
	// value ever going out. Kept as-is; deferring the reset to the
	// confirmed-send event would close that window.
	if err := resetStatus(ctx, e.store, table, ch.ID.Name); err != nil {
		e.logger.Printf("Warning: %v", err)
	}

	base, err := e.transport.FetchRecord(ctx, ch.ID)
	if err != nil {
		// Not yet on the remote side, or the lookup failed; either way
		// a fresh record populated fully from the local row is sent.
		base = record.New(table, ch.ID.Name)
	}
	if base.Type == "" {
		base.Type = table
	}

	for _, key := range keys {
		if store.IsBookkeepingColumn(key) {
			continue
		}
		v, err := record.FieldValue(row[key])
		if err != nil {
			e.logger.Printf("Warning: field %s of %s/%s not convertible, sending null: %v",
				key, table, ch.ID.Name, err)
		}
		base.Set(key, v)
	}
	return base, nil
}

// drainTombstones hands every outstanding tombstone to the transport as a
// delete change and removes the tombstone row. The hand-off is optimistic:
// the tombstone is gone once the change is in the transport's pending set,
// without waiting for send confirmation.
func (e *Engine) drainTombstones(ctx context.Context) error {
	exists, err := store.TableExists(ctx, e.store, store.TombstoneTable)
	if err != nil {
		return fmt.Errorf("failed to check tombstone table: %w", err)
	}
	if !exists {
		return nil
	}

	rows, err := e.store.Query(ctx,
		fmt.Sprintf("SELECT seq, tbl, row_id FROM %s ORDER BY seq", store.TombstoneTable))
	if err != nil {
		return fmt.Errorf("failed to read tombstones: %w", err)
	}
	defer rows.Close()

	type tombstone struct {
		seq   int64
		table string
		rowID string
	}
	var tombstones []tombstone
	for rows.Next() {
		var t tombstone
		if err := rows.Scan(&t.seq, &t.table, &t.rowID); err != nil {
			return fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tombstones: %w", err)
	}

	for _, t := range tombstones {
		e.transport.AddChanges([]transport.Change{transport.Delete(t.table, t.rowID)})
		if _, err := e.store.Execute(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE seq = ?", store.TombstoneTable), t.seq); err != nil {
			e.logger.Printf("Warning: failed to remove tombstone %d: %v", t.seq, err)
		}
	}
	return nil
}
