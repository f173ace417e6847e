// Package daemon runs the background sync loop: it watches the database file
// for local writes and triggers a sync cycle, debouncing write bursts, plus a
// periodic cycle as a safety net for anything the watcher misses.
//
// The daemon:
// 1. Runs one initial sync cycle on startup
// 2. Watches the database (and its WAL) for local writes
// 3. Debounces rapid writes into a single cycle
// 4. Serializes cycles so at most one runs at a time
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Syncer is the single operation the daemon drives. The sync engine
// satisfies it.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to run a sync cycle regardless of local
	// write activity, so remote changes are pulled even on a quiet store.
	Interval time.Duration

	// DebounceInterval is how long to wait after a local write before
	// syncing. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching and sync cycles.
type Daemon struct {
	syncer Syncer
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	dirtyAt  time.Time
	dirty    bool
	syncBusy bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon that syncs the database at dbPath using syncer.
//
// Use Start() to begin watching and syncing.
func New(syncer Syncer, dbPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	// Initial cycle so a store that changed while the daemon was down
	// catches up immediately.
	d.runSync()

	// Watch the directory: SQLite writes land in the -wal file and the
	// database file itself, and fsnotify tracks files more reliably
	// through rename/recreate when watching their parent.
	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dbPath)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// watchFileEvents marks the store dirty on database writes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !d.isDatabaseFile(event.Name) {
				continue
			}
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// isDatabaseFile reports whether path is the database or one of its SQLite
// side-car files. The engine's own .syncstate writes are excluded so cursor
// checkpoints don't retrigger sync forever.
func (d *Daemon) isDatabaseFile(path string) bool {
	base := filepath.Base(path)
	dbBase := filepath.Base(d.dbPath)
	if base == dbBase {
		return true
	}
	if strings.HasSuffix(base, ".syncstate") {
		return false
	}
	return strings.HasPrefix(base, dbBase+"-") // -wal, -shm, -journal
}

// markDirty records a local write for the debounced sync loop.
func (d *Daemon) markDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirty = true
	d.dirtyAt = time.Now()
}

// syncLoop runs debounced and periodic sync cycles.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()
	periodic := time.NewTicker(d.config.Interval)
	defer periodic.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-debounce.C:
			d.mu.Lock()
			due := d.dirty && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if due {
				d.dirty = false
			}
			d.mu.Unlock()
			if due {
				d.runSync()
			}

		case <-periodic.C:
			d.runSync()
		}
	}
}

// runSync runs one cycle, guaranteeing at most one runs at a time. The
// engine itself provides no mutual exclusion between concurrent cycles;
// this is where that responsibility lives.
func (d *Daemon) runSync() {
	d.mu.Lock()
	if d.syncBusy {
		d.mu.Unlock()
		return
	}
	d.syncBusy = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.syncBusy = false
		// Writes observed mid-cycle are almost always the engine's own
		// ingestion; drop them and let the periodic cycle cover the
		// rare genuine edit that raced us.
		d.dirty = false
		d.mu.Unlock()
	}()

	start := time.Now()
	if err := d.syncer.Sync(d.ctx); err != nil {
		d.config.Logger.Printf("Sync failed: %v", err)
		return
	}
	d.config.Logger.Printf("Sync complete in %v", time.Since(start).Round(time.Millisecond))
}
