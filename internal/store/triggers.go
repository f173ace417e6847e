package store

import (
	"context"
	"fmt"
	"strings"
)

// Reserved schema elements. Tables and columns with these names are sync
// bookkeeping: never projected into a remote record, never overwritten from
// remote data, and excluded from sync scans.
const (
	// IDColumn is the primary-key column every synced table carries.
	IDColumn = "id"
	// StatusColumn holds the per-row sync status (0 synced, 1 pending
	// upload, 2 queued).
	StatusColumn = "_sync_status"
	// TombstoneTable records deleted rows awaiting hand-off to the remote
	// transport as delete changes.
	TombstoneTable = "_blackbird_tombstones"
	// applyTable holds the single-row flag that suppresses the local write
	// triggers while the engine applies remote changes.
	applyTable = "_blackbird_apply"
	// InternalPrefix marks engine-internal tables excluded from sync.
	InternalPrefix = "_blackbird_"
)

// IsInternalName reports whether a table name belongs to the engine itself
// and must be excluded from sync.
func IsInternalName(table string) bool {
	return strings.HasPrefix(table, InternalPrefix)
}

// IsBookkeepingColumn reports whether a column is sync bookkeeping rather
// than record data.
func IsBookkeepingColumn(name string) bool {
	return name == IDColumn || name == StatusColumn
}

// EnsureSyncSchema creates the tombstone table and the apply flag if they do
// not exist. Idempotent.
func EnsureSyncSchema(ctx context.Context, q Querier) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		row_id TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS %s (
		active INTEGER NOT NULL
	);
	`, TombstoneTable, applyTable)

	if _, err := q.Execute(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create sync bookkeeping tables: %w", err)
	}

	var count int
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", applyTable)).Scan(&count); err != nil {
		return fmt.Errorf("failed to read apply flag: %w", err)
	}
	if count == 0 {
		if _, err := q.Execute(ctx, fmt.Sprintf("INSERT INTO %s (active) VALUES (0)", applyTable)); err != nil {
			return fmt.Errorf("failed to seed apply flag: %w", err)
		}
	}
	return nil
}

// SetApplyFlag raises or clears the flag that suppresses the local write
// triggers. The engine raises it for the duration of a remote batch apply,
// inside the same transaction, so a rollback also clears it.
func SetApplyFlag(ctx context.Context, q Querier, active bool) error {
	v := 0
	if active {
		v = 1
	}
	if _, err := q.Execute(ctx, fmt.Sprintf("UPDATE %s SET active = ?", applyTable), v); err != nil {
		return fmt.Errorf("failed to set apply flag: %w", err)
	}
	return nil
}

// resetApplyFlag clears a flag left raised by a crash mid-apply, so local
// write capture is never permanently suppressed. Called on every Open; a
// missing apply table (fresh database) is fine.
func resetApplyFlag(ctx context.Context, q Querier) error {
	exists, err := TableExists(ctx, q, applyTable)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return SetApplyFlag(ctx, q, false)
}

// InstallSyncTriggers installs the local write capture triggers on a synced
// table. Idempotent.
//
// Three triggers are installed, all suppressed while the apply flag is
// raised:
//   - after insert: mark the new row PendingUpload
//   - after update: mark the row PendingUpload, but only when the statement
//     did not itself move the status column (the engine's own status flips
//     must not re-mark rows)
//   - before delete: record a tombstone capturing the row id
//
// The tombstone table and apply flag must exist (EnsureSyncSchema).
func InstallSyncTriggers(ctx context.Context, q Querier, table string) error {
	qt := QuoteIdent(table)
	qid := QuoteIdent(IDColumn)
	qst := QuoteIdent(StatusColumn)
	suppressed := fmt.Sprintf("(SELECT active FROM %s) = 0", applyTable)

	stmts := []string{
		fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s
		WHEN %s
		BEGIN
			UPDATE %s SET %s = 1 WHERE %s = NEW.%s;
		END`,
			QuoteIdent(InternalPrefix+"ins_"+table), qt, suppressed, qt, qst, qid, qid),
		fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s
		WHEN %s AND NEW.%s = OLD.%s
		BEGIN
			UPDATE %s SET %s = 1 WHERE %s = NEW.%s;
		END`,
			QuoteIdent(InternalPrefix+"upd_"+table), qt, suppressed, qst, qst, qt, qst, qid, qid),
		fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s BEFORE DELETE ON %s
		WHEN %s
		BEGIN
			INSERT INTO %s (tbl, row_id) VALUES (%s, OLD.%s);
		END`,
			QuoteIdent(InternalPrefix+"del_"+table), qt, suppressed,
			TombstoneTable, quoteLiteral(table), qid),
	}

	for _, stmt := range stmts {
		if _, err := q.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install sync trigger on %s: %w", table, err)
		}
	}
	return nil
}
