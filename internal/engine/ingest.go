package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hannesmnagel/blackbird/internal/record"
	"github.com/hannesmnagel/blackbird/internal/store"
)

// applyBatch applies one fetched batch of remote modifications and deletions
// atomically to the local store.
//
// The whole batch runs in a single transaction with the apply flag raised,
// so the store's local-edit triggers stay quiet and a remote batch never
// re-marks rows or writes echo tombstones. Failures on a single record or
// field are logged and contained; only a transaction-level failure abandons
// the batch, and it is logged rather than re-raised.
func (e *Engine) applyBatch(ctx context.Context, mods []*record.Record, dels []record.ID) {
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := store.EnsureSyncSchema(ctx, tx); err != nil {
			return err
		}
		if err := store.SetApplyFlag(ctx, tx, true); err != nil {
			return err
		}
		for _, rec := range mods {
			if err := e.applyModification(ctx, tx, rec); err != nil {
				e.logger.Printf("Warning: failed to apply record %s: %v", rec.ID, err)
			}
		}
		for _, id := range dels {
			if err := e.applyDeletion(ctx, tx, id); err != nil {
				e.logger.Printf("Warning: failed to apply deletion %s: %v", id, err)
			}
		}
		return store.SetApplyFlag(ctx, tx, false)
	})
	if err != nil {
		e.logger.Printf("Warning: failed to apply remote batch: %v", err)
	}
}

// applyModification applies one remote record: insert when the row is new,
// otherwise a field-level diff update where remote values win for every key
// in the incoming changed-set.
func (e *Engine) applyModification(ctx context.Context, tx *store.Tx, rec *record.Record) error {
	table := rec.Type
	if table == "" {
		table = rec.ID.Zone
	}
	if store.IsInternalName(table) || table == store.TombstoneTable {
		// Reserved types carry engine bookkeeping, never row data.
		return nil
	}

	if err := ensureTable(ctx, tx, table, rec); err != nil {
		return err
	}

	fields, dropped := e.convertFields(rec)

	var status int
	err := tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		store.QuoteIdent(store.StatusColumn), store.QuoteIdent(table),
		store.QuoteIdent(store.IDColumn)), rec.ID.Name).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return e.insertRow(ctx, tx, table, rec.ID.Name, fields)
	case err != nil:
		return fmt.Errorf("failed to look up row %s/%s: %w", table, rec.ID.Name, err)
	default:
		return e.updateRow(ctx, tx, table, rec, fields, dropped)
	}
}

// convertFields converts a record's fields to local column values.
//
// Unknown field variants are dropped silently (forward compatibility);
// asset payloads that cannot be read degrade to null with a log line. The
// returned dropped set marks keys the diff must not consider.
func (e *Engine) convertFields(rec *record.Record) (map[string]any, map[string]bool) {
	fields := make(map[string]any, len(rec.Fields))
	dropped := make(map[string]bool)
	for key, v := range rec.Fields {
		if store.IsBookkeepingColumn(key) {
			continue
		}
		col, err := record.ColumnValue(v)
		if err != nil {
			if v.Kind() == record.KindAsset {
				e.logger.Printf("Warning: field %s of %s unreadable, storing null: %v", key, rec.ID, err)
				fields[key] = nil
				continue
			}
			dropped[key] = true
			continue
		}
		fields[key] = col
	}
	return fields, dropped
}

// insertRow inserts a new remote-origin row with all convertible fields. If
// the bulk insert fails, it falls back to a minimal row (id plus status)
// and applies each field as an individual update, so partial failure is
// bounded to single fields rather than the whole batch.
func (e *Engine) insertRow(ctx context.Context, tx *store.Tx, table, rowID string, fields map[string]any) error {
	qt := store.QuoteIdent(table)
	qid := store.QuoteIdent(store.IDColumn)
	qst := store.QuoteIdent(store.StatusColumn)

	cols := []string{qid, qst}
	args := []any{rowID, StatusSynced}
	for key, val := range fields {
		cols = append(cols, store.QuoteIdent(key))
		args = append(args, val)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qt, strings.Join(cols, ", "), placeholders(len(args)))
	_, err := tx.Execute(ctx, stmt, args...)
	if err == nil {
		return nil
	}
	e.logger.Printf("Warning: bulk insert into %s failed, retrying per field: %v", table, err)

	minimal := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", qt, qid, qst)
	if _, err := tx.Execute(ctx, minimal, rowID, StatusSynced); err != nil {
		return fmt.Errorf("failed to insert minimal row %s/%s: %w", table, rowID, err)
	}
	for key, val := range fields {
		stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", qt, store.QuoteIdent(key), qid)
		if _, err := tx.Execute(ctx, stmt, val, rowID); err != nil {
			e.logger.Printf("Warning: failed to apply field %s of %s/%s: %v", key, table, rowID, err)
		}
	}
	return nil
}

// updateRow applies a field-level diff to an existing row.
//
// Keys to consider are the record's changed-field list, or all its fields
// when that list is empty. Remote values win for every considered key, even
// if the row was PendingUpload or Queued; local edits to fields outside the
// incoming changed-set are preserved. Whether or not anything changed, the
// row's status resets to Synced: remote has confirmed reality.
func (e *Engine) updateRow(ctx context.Context, tx *store.Tx, table string, rec *record.Record, fields map[string]any, dropped map[string]bool) error {
	cols, err := store.TableInfo(ctx, tx, table)
	if err != nil {
		return err
	}
	columns := make(map[string]bool, len(cols))
	for _, c := range cols {
		columns[c.Name] = true
	}

	var keys []string
	for _, key := range rec.ChangedOrAllKeys() {
		if store.IsBookkeepingColumn(key) || dropped[key] || !columns[key] {
			continue
		}
		keys = append(keys, key)
	}

	qt := store.QuoteIdent(table)
	qid := store.QuoteIdent(store.IDColumn)
	qst := store.QuoteIdent(store.StatusColumn)

	var (
		assignments []string
		args        []any
	)
	if len(keys) > 0 {
		current, err := readRow(ctx, tx, table, rec.ID.Name, keys)
		if err != nil {
			return err
		}
		for _, key := range keys {
			incoming := fields[key] // absent changed keys clear to null
			if record.EqualColumnValues(incoming, current[key]) {
				continue
			}
			assignments = append(assignments, fmt.Sprintf("%s = ?", store.QuoteIdent(key)))
			args = append(args, incoming)
		}
	}

	assignments = append(assignments, fmt.Sprintf("%s = ?", qst))
	args = append(args, StatusSynced, rec.ID.Name)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", qt, strings.Join(assignments, ", "), qid)
	if _, err := tx.Execute(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to update row %s/%s: %w", table, rec.ID.Name, err)
	}
	return nil
}

// applyDeletion removes the local row for a remote deletion. Missing tables
// and missing rows are a no-op, not an error.
func (e *Engine) applyDeletion(ctx context.Context, tx *store.Tx, id record.ID) error {
	table := id.Zone
	if store.IsInternalName(table) || table == store.TombstoneTable {
		return nil
	}
	exists, err := store.TableExists(ctx, tx, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = tx.Execute(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
		store.QuoteIdent(table), store.QuoteIdent(store.IDColumn)), id.Name)
	if err != nil {
		return fmt.Errorf("failed to delete row %s: %w", id, err)
	}
	return nil
}

// applyZoneDeletions clears local rows for remotely deleted zones. The table
// schema is kept: the engine never removes tables or columns.
func (e *Engine) applyZoneDeletions(ctx context.Context, zones []string) {
	err := e.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := store.EnsureSyncSchema(ctx, tx); err != nil {
			return err
		}
		if err := store.SetApplyFlag(ctx, tx, true); err != nil {
			return err
		}
		for _, zone := range zones {
			if store.IsInternalName(zone) {
				continue
			}
			exists, err := store.TableExists(ctx, tx, zone)
			if err != nil || !exists {
				if err != nil {
					e.logger.Printf("Warning: failed to check zone table %s: %v", zone, err)
				}
				continue
			}
			if _, err := tx.Execute(ctx, "DELETE FROM "+store.QuoteIdent(zone)); err != nil {
				e.logger.Printf("Warning: failed to clear deleted zone %s: %v", zone, err)
			}
		}
		return store.SetApplyFlag(ctx, tx, false)
	})
	if err != nil {
		e.logger.Printf("Warning: failed to apply zone deletions: %v", err)
	}
}

// readRow reads the named columns of one row into a map of driver values.
func readRow(ctx context.Context, q store.Querier, table, rowID string, keys []string) (map[string]any, error) {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = store.QuoteIdent(k)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(quoted, ", "), store.QuoteIdent(table), store.QuoteIdent(store.IDColumn))

	rows, err := q.Query(ctx, stmt, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to read row %s/%s: %w", table, rowID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}

	vals := make([]any, len(keys))
	ptrs := make([]any, len(keys))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row %s/%s: %w", table, rowID, err)
	}

	out := make(map[string]any, len(keys))
	for i, k := range keys {
		out[k] = vals[i]
	}
	return out, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
