package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// countingSyncer records how many sync cycles ran.
type countingSyncer struct {
	mu sync.Mutex
	n  int
}

func (c *countingSyncer) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingSyncer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// waitForCount polls until the syncer has run at least want cycles.
func waitForCount(t *testing.T, c *countingSyncer, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("syncer ran %d cycles, want at least %d", c.count(), want)
}

func testConfig() *Config {
	return &Config{
		Interval:         time.Hour, // keep periodic cycles out of the way
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, "/tmp/db", testConfig()); err == nil {
		t.Error("New accepted a nil syncer")
	}
	if _, err := New(&countingSyncer{}, "", testConfig()); err == nil {
		t.Error("New accepted an empty database path")
	}
}

func TestDaemon_InitialSyncAndWriteTrigger(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create database file: %v", err)
	}

	syncer := &countingSyncer{}
	d, err := New(syncer, dbPath, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// One cycle runs on startup before any write lands.
	waitForCount(t, syncer, 1)

	// Let the startup cycle finish so its dirty-reset cannot swallow the
	// write below.
	time.Sleep(50 * time.Millisecond)

	// A database write triggers a debounced cycle.
	if err := os.WriteFile(dbPath, []byte("xy"), 0644); err != nil {
		t.Fatalf("Failed to write database file: %v", err)
	}
	waitForCount(t, syncer, 2)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
}

func TestDaemon_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create database file: %v", err)
	}

	syncer := &countingSyncer{}
	d, err := New(syncer, dbPath, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	waitForCount(t, syncer, 1)

	// Cursor checkpoints and unrelated files in the watched directory
	// must not retrigger sync.
	if err := os.WriteFile(dbPath+".syncstate", []byte("cursor"), 0644); err != nil {
		t.Fatalf("Failed to write state file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := syncer.count(); got != 1 {
		t.Errorf("unrelated writes triggered %d extra cycles", got-1)
	}

	cancel()
	<-done
}

func TestIsDatabaseFile(t *testing.T) {
	d := &Daemon{dbPath: "/data/app.db"}

	cases := []struct {
		path string
		want bool
	}{
		{"/data/app.db", true},
		{"/data/app.db-wal", true},
		{"/data/app.db-shm", true},
		{"/data/app.db-journal", true},
		{"/data/app.db.syncstate", false},
		{"/data/other.db", false},
		{"/data/notes.txt", false},
	}
	for _, tc := range cases {
		if got := d.isDatabaseFile(tc.path); got != tc.want {
			t.Errorf("isDatabaseFile(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
