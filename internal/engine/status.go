package engine

import (
	"context"
	"fmt"

	"github.com/hannesmnagel/blackbird/internal/store"
	"github.com/hannesmnagel/blackbird/internal/transport"
)

// Per-row sync status values stored in the bookkeeping column. Transitions
// are monotonic within a cycle: 0 to 1 on local edit (store triggers), 1 to
// 2 on enqueue (promotePending), 2 to 0 on confirmed send or remote-origin
// overwrite.
const (
	// StatusSynced means the row matches the last known remote state.
	StatusSynced = 0
	// StatusPendingUpload means the row has local edits not yet enqueued.
	StatusPendingUpload = 1
	// StatusQueued means the row has been handed to the transport's
	// pending set.
	StatusQueued = 2
)

// promotePending scans all synced tables for PendingUpload rows, moves them
// to Queued, and returns the upsert changes to submit to the transport.
// Per-table failures are logged and skipped so one bad table never stalls
// the cycle.
func (e *Engine) promotePending(ctx context.Context) []transport.Change {
	tables, err := store.ListTables(ctx, e.store)
	if err != nil {
		e.logger.Printf("Warning: failed to list tables for promotion: %v", err)
		return nil
	}

	var changes []transport.Change
	for _, table := range tables {
		if store.IsInternalName(table) {
			continue
		}
		promoted, err := e.promoteTable(ctx, table)
		if err != nil {
			e.logger.Printf("Warning: failed to promote pending rows in %s: %v", table, err)
			continue
		}
		changes = append(changes, promoted...)
	}
	return changes
}

// promoteTable promotes one table's PendingUpload rows to Queued. Tables
// without sync bookkeeping columns are skipped.
func (e *Engine) promoteTable(ctx context.Context, table string) ([]transport.Change, error) {
	cols, err := store.TableInfo(ctx, e.store, table)
	if err != nil {
		return nil, err
	}
	if !hasColumn(cols, store.IDColumn) || !hasColumn(cols, store.StatusColumn) {
		return nil, nil
	}

	qt := store.QuoteIdent(table)
	qid := store.QuoteIdent(store.IDColumn)
	qst := store.QuoteIdent(store.StatusColumn)

	rows, err := e.store.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", qid, qt, qst), StatusPendingUpload)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rows: %w", err)
	}
	defer rows.Close()

	var changes []transport.Change
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending row id: %w", err)
		}
		changes = append(changes, transport.Upsert(table, id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending rows: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	// The flip is scoped to the ids just collected: a row the app marks
	// pending between the scan and this statement stays PendingUpload for
	// the next cycle instead of being queued without a change entry. The
	// status move changes the bookkeeping column, so the update trigger
	// does not re-mark these rows.
	args := make([]any, 0, len(changes)+2)
	args = append(args, StatusQueued)
	for _, ch := range changes {
		args = append(args, ch.ID.Name)
	}
	args = append(args, StatusPendingUpload)
	if _, err := e.store.Execute(ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s IN (%s) AND %s = ?",
			qt, qst, qid, placeholders(len(changes)), qst),
		args...); err != nil {
		return nil, fmt.Errorf("failed to queue pending rows: %w", err)
	}
	return changes, nil
}

// resetStatus moves a row back to Synced. The status guard keeps a 0-to-0
// update from firing the local-edit trigger.
func resetStatus(ctx context.Context, q store.Querier, table, rowID string) error {
	_, err := q.Execute(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = ? WHERE %s = ? AND %s <> ?",
		store.QuoteIdent(table), store.QuoteIdent(store.StatusColumn),
		store.QuoteIdent(store.IDColumn), store.QuoteIdent(store.StatusColumn)),
		StatusSynced, rowID, StatusSynced)
	if err != nil {
		return fmt.Errorf("failed to reset sync status for %s/%s: %w", table, rowID, err)
	}
	return nil
}

func hasColumn(cols []store.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
