package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/hannesmnagel/blackbird/internal/record"
	"github.com/hannesmnagel/blackbird/internal/store"
)

// ensureTable creates or extends the local table so its schema covers every
// field of the sample record.
//
// A new table gets the primary-key id column, the sync-status column
// (default Synced) and one column per sample field, typed by the value
// codec's inference rules. An existing table gets missing columns appended,
// nullable; existing column types are never touched, so the local schema
// only ever grows toward a superset of every observed record shape.
//
// Idempotent: the diff runs against live schema introspection, so a second
// call with the same sample is a no-op.
func ensureTable(ctx context.Context, q store.Querier, table string, sample *record.Record) error {
	if store.IsInternalName(table) {
		return fmt.Errorf("refusing to sync reserved table %s", table)
	}
	if err := store.EnsureSyncSchema(ctx, q); err != nil {
		return err
	}

	cols, err := store.TableInfo(ctx, q, table)
	if err != nil {
		return err
	}

	if len(cols) == 0 {
		if err := createTable(ctx, q, table, sample); err != nil {
			return err
		}
		return store.InstallSyncTriggers(ctx, q, table)
	}

	existing := make(map[string]bool, len(cols))
	for _, c := range cols {
		existing[c.Name] = true
	}
	for _, key := range sample.Keys() {
		if existing[key] || store.IsBookkeepingColumn(key) {
			continue
		}
		v := sample.Fields[key]
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			store.QuoteIdent(table), store.QuoteIdent(key), v.ColumnType())
		if _, err := q.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", key, table, err)
		}
	}
	if err := ensureStatusColumn(ctx, q, table); err != nil {
		return err
	}
	return store.InstallSyncTriggers(ctx, q, table)
}

// createTable creates a fresh synced table shaped after the sample record.
func createTable(ctx context.Context, q store.Querier, table string, sample *record.Record) error {
	defs := []string{
		fmt.Sprintf("%s TEXT PRIMARY KEY NOT NULL", store.QuoteIdent(store.IDColumn)),
		fmt.Sprintf("%s INTEGER NOT NULL DEFAULT %d", store.QuoteIdent(store.StatusColumn), StatusSynced),
	}
	for _, key := range sample.Keys() {
		if store.IsBookkeepingColumn(key) {
			continue
		}
		v := sample.Fields[key]
		defs = append(defs, fmt.Sprintf("%s %s", store.QuoteIdent(key), v.ColumnType()))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", store.QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := q.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// ensureStatusColumn idempotently guarantees the sync-status column exists on
// a table that predates sync being enabled. Existing rows backfill to
// PendingUpload so they are uploaded on the next cycle.
func ensureStatusColumn(ctx context.Context, q store.Querier, table string) error {
	cols, err := store.TableInfo(ctx, q, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s does not exist", table)
	}
	if hasColumn(cols, store.StatusColumn) {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER NOT NULL DEFAULT %d",
		store.QuoteIdent(table), store.QuoteIdent(store.StatusColumn), StatusPendingUpload)
	if _, err := q.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add sync status column to %s: %w", table, err)
	}
	return nil
}
