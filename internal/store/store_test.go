package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createSyncedTable builds a minimal synced table with capture triggers.
func createSyncedTable(t *testing.T, s *Store, table string) {
	t.Helper()
	ctx := context.Background()
	if err := EnsureSyncSchema(ctx, s); err != nil {
		t.Fatalf("EnsureSyncSchema failed: %v", err)
	}
	ddl := "CREATE TABLE " + QuoteIdent(table) + ` (
		id TEXT PRIMARY KEY NOT NULL,
		_sync_status INTEGER NOT NULL DEFAULT 0,
		name TEXT
	)`
	if _, err := s.Execute(ctx, ddl); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	if err := InstallSyncTriggers(ctx, s, table); err != nil {
		t.Fatalf("InstallSyncTriggers failed: %v", err)
	}
}

func rowStatus(t *testing.T, s *Store, table, id string) int {
	t.Helper()
	var status int
	err := s.QueryRow(context.Background(),
		"SELECT _sync_status FROM "+QuoteIdent(table)+" WHERE id = ?", id).Scan(&status)
	if err != nil {
		t.Fatalf("Failed to read status of %s/%s: %v", table, id, err)
	}
	return status
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %s, want %s", s.Path(), path)
	}
	if s.InMemory() {
		t.Error("file-backed store reported in-memory")
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	defer s.Close()

	if !s.InMemory() {
		t.Error("in-memory store not reported as such")
	}

	ctx := context.Background()
	if _, err := s.Execute(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	exists, err := TableExists(ctx, s, "t")
	if err != nil || !exists {
		t.Errorf("TableExists = %v, %v, want true", exists, err)
	}
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Execute(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	wantErr := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, "INSERT INTO t (id) VALUES ('a')"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transaction error = %v, want %v", err, wantErr)
	}

	var count int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert left %d rows", count)
	}
}

func TestTableInfo_ReportsColumns(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")

	cols, err := TableInfo(context.Background(), s, "person")
	if err != nil {
		t.Fatalf("TableInfo failed: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("TableInfo returned %d columns, want 3", len(cols))
	}
	if cols[0].Name != "id" || !cols[0].PrimaryKey {
		t.Errorf("first column = %+v, want primary key id", cols[0])
	}
	if cols[1].Name != StatusColumn || cols[1].Type != "INTEGER" {
		t.Errorf("second column = %+v, want INTEGER %s", cols[1], StatusColumn)
	}

	missing, err := TableInfo(context.Background(), s, "absent")
	if err != nil {
		t.Fatalf("TableInfo on missing table failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("missing table reported %d columns", len(missing))
	}
}

func TestListTables_SkipsSQLiteInternals(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")

	tables, err := ListTables(context.Background(), s)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	for _, name := range tables {
		if name == "sqlite_sequence" {
			t.Errorf("ListTables leaked %s", name)
		}
	}

	found := false
	for _, name := range tables {
		if name == "person" {
			found = true
		}
	}
	if !found {
		t.Errorf("ListTables = %v, want person included", tables)
	}
}

func TestSyncTriggers_InsertMarksPending(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")
	ctx := context.Background()

	if _, err := s.Execute(ctx, `INSERT INTO person (id, name) VALUES ('p1', 'Ann')`); err != nil {
		t.Fatalf("Failed to insert row: %v", err)
	}
	if got := rowStatus(t, s, "person", "p1"); got != 1 {
		t.Errorf("status after app insert = %d, want 1 (pending upload)", got)
	}
}

func TestSyncTriggers_UpdateMarksPending(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")
	ctx := context.Background()

	if _, err := s.Execute(ctx, `INSERT INTO person (id, name) VALUES ('p1', 'Ann')`); err != nil {
		t.Fatalf("Failed to insert row: %v", err)
	}
	// Settle the row as synced the way the engine does.
	if _, err := s.Execute(ctx, `UPDATE person SET _sync_status = 0 WHERE id = 'p1' AND _sync_status <> 0`); err != nil {
		t.Fatalf("Failed to settle row: %v", err)
	}
	if got := rowStatus(t, s, "person", "p1"); got != 0 {
		t.Fatalf("engine status flip re-marked the row: status = %d, want 0", got)
	}

	if _, err := s.Execute(ctx, `UPDATE person SET name = 'Beth' WHERE id = 'p1'`); err != nil {
		t.Fatalf("Failed to update row: %v", err)
	}
	if got := rowStatus(t, s, "person", "p1"); got != 1 {
		t.Errorf("status after app update = %d, want 1 (pending upload)", got)
	}
}

func TestSyncTriggers_DeleteRecordsTombstone(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")
	ctx := context.Background()

	if _, err := s.Execute(ctx, `INSERT INTO person (id, name) VALUES ('p1', 'Ann')`); err != nil {
		t.Fatalf("Failed to insert row: %v", err)
	}
	if _, err := s.Execute(ctx, `DELETE FROM person WHERE id = 'p1'`); err != nil {
		t.Fatalf("Failed to delete row: %v", err)
	}

	var tbl, rowID string
	err := s.QueryRow(ctx, "SELECT tbl, row_id FROM "+TombstoneTable).Scan(&tbl, &rowID)
	if err != nil {
		t.Fatalf("Failed to read tombstone: %v", err)
	}
	if tbl != "person" || rowID != "p1" {
		t.Errorf("tombstone = %s/%s, want person/p1", tbl, rowID)
	}
}

func TestSyncTriggers_ApplyFlagSuppressesCapture(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx *Tx) error {
		if err := SetApplyFlag(ctx, tx, true); err != nil {
			return err
		}
		if _, err := tx.Execute(ctx, `INSERT INTO person (id, _sync_status, name) VALUES ('p1', 0, 'Ann')`); err != nil {
			return err
		}
		if _, err := tx.Execute(ctx, `DELETE FROM person WHERE id = 'p1'`); err != nil {
			return err
		}
		return SetApplyFlag(ctx, tx, false)
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	var tombstones int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM "+TombstoneTable).Scan(&tombstones); err != nil {
		t.Fatalf("Failed to count tombstones: %v", err)
	}
	if tombstones != 0 {
		t.Errorf("engine-applied delete left %d tombstones, want 0", tombstones)
	}
}

func TestOpen_ClearsStaleApplyFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	ctx := context.Background()
	if err := EnsureSyncSchema(ctx, s); err != nil {
		t.Fatalf("EnsureSyncSchema failed: %v", err)
	}
	// Simulate a crash mid-apply: flag left raised, then reopen.
	if err := SetApplyFlag(ctx, s, true); err != nil {
		t.Fatalf("SetApplyFlag failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	var active int
	if err := s2.QueryRow(ctx, "SELECT active FROM "+applyTable).Scan(&active); err != nil {
		t.Fatalf("Failed to read apply flag: %v", err)
	}
	if active != 0 {
		t.Error("stale apply flag survived reopen")
	}
}

func TestEnsureSyncSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := EnsureSyncSchema(ctx, s); err != nil {
			t.Fatalf("EnsureSyncSchema run %d failed: %v", i, err)
		}
	}

	var flags int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM "+applyTable).Scan(&flags); err != nil {
		t.Fatalf("Failed to count apply flag rows: %v", err)
	}
	if flags != 1 {
		t.Errorf("apply flag has %d rows, want exactly 1", flags)
	}
}

func TestInstallSyncTriggers_Idempotent(t *testing.T) {
	s := openTestStore(t)
	createSyncedTable(t, s, "person")

	if err := InstallSyncTriggers(context.Background(), s, "person"); err != nil {
		t.Fatalf("second InstallSyncTriggers failed: %v", err)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent("person"); got != `"person"` {
		t.Errorf("QuoteIdent(person) = %s", got)
	}
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent escaping = %s", got)
	}
}

func TestIsInternalName(t *testing.T) {
	if !IsInternalName(TombstoneTable) {
		t.Error("tombstone table not reported internal")
	}
	if IsInternalName("person") {
		t.Error("user table reported internal")
	}
}
