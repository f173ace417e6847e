// Package engine implements the reconciliation core between the local SQLite
// store and the remote record store.
//
// One Engine owns one store and one transport. Local writes are captured by
// the store's triggers as PendingUpload rows and tombstones; Sync promotes
// them into the transport's pending set and serves them through the batch
// provider; remote-origin batches arrive through the transport's event
// handler and are applied atomically with field-level, remote-wins conflict
// resolution. Schema is inferred and evolved at runtime: columns are added,
// never removed or retyped.
//
// The engine provides no mutual exclusion between concurrent Sync calls;
// callers ensure at most one cycle runs at a time (the daemon package does
// this for the CLI).
package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hannesmnagel/blackbird/internal/store"
	"github.com/hannesmnagel/blackbird/internal/transport"
)

// Options configures an Engine.
type Options struct {
	// Service is the remote service identifier (container/database the
	// transport syncs against). Required; Sync fails fast without it.
	Service string

	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger
}

// Engine drives sync cycles between one local store and one remote
// transport. The store constructs and owns its Engine explicitly; there is
// no hidden global instance.
type Engine struct {
	store     *store.Store
	transport transport.Transport
	logger    *log.Logger
	service   string
	started   bool
}

// New creates an Engine over an opened store and a transport.
//
// Example:
//
//	st, err := store.Open(".blackbird/app.db")
//	if err != nil {
//	    return err
//	}
//	eng := engine.New(st, transport.NewMemory(), engine.Options{Service: "iCloud.example.app"})
//	if err := eng.StartSync(ctx); err != nil {
//	    return err
//	}
func New(st *store.Store, tr transport.Transport, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		transport: tr,
		logger:    logger,
		service:   opts.Service,
	}
}

// StartSync performs one-time setup: validates configuration, restores the
// persisted cursor into the transport, registers the event handler and batch
// provider, best-effort checks the remote account, ensures deletion tracking
// exists, and ensures a remote zone for every local table.
//
// Idempotent; every step is safe to repeat. Only a configuration problem
// returns an error.
func (e *Engine) StartSync(ctx context.Context) error {
	if e.service == "" {
		return fmt.Errorf("%w: missing remote service identifier", ErrInvalidConfig)
	}

	if cursor := e.loadState(); cursor != nil {
		e.transport.RestoreState(cursor)
	}
	e.transport.SetProvider(e.batchProvider())
	e.transport.SetHandler(e.handleEvent)

	if err := e.transport.CheckAccount(ctx); err != nil {
		e.logger.Printf("Warning: remote account unavailable: %v", err)
	}

	if err := store.EnsureSyncSchema(ctx, e.store); err != nil {
		return fmt.Errorf("failed to ensure deletion tracking: %w", err)
	}

	tables, err := store.ListTables(ctx, e.store)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	for _, table := range tables {
		if store.IsInternalName(table) {
			continue
		}
		if err := ensureStatusColumn(ctx, e.store, table); err != nil {
			e.logger.Printf("Warning: failed to prepare table %s for sync: %v", table, err)
			continue
		}
		if err := store.InstallSyncTriggers(ctx, e.store, table); err != nil {
			e.logger.Printf("Warning: failed to install triggers on %s: %v", table, err)
			continue
		}
		if err := e.transport.EnsureZone(ctx, table); err != nil {
			e.logger.Printf("Warning: failed to ensure remote zone %s: %v", table, err)
		}
	}

	e.started = true
	return nil
}

// Sync runs one full cycle: drain and push tombstones, promote PendingUpload
// rows to Queued and submit them, force a send of all queued changes, then
// pull remote changes.
//
// Only an invalid configuration aborts the call; transport failures are
// logged and the cycle continues with best-effort partial progress, retried
// on the next Sync.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.started {
		if err := e.StartSync(ctx); err != nil {
			return err
		}
	}

	if err := e.drainTombstones(ctx); err != nil {
		e.logger.Printf("Warning: failed to drain tombstones: %v", err)
	} else if err := e.transport.SendChanges(ctx); err != nil {
		e.logger.Printf("Warning: failed to send delete changes: %v", err)
	}

	if changes := e.promotePending(ctx); len(changes) > 0 {
		e.transport.AddChanges(changes)
	}

	if err := e.transport.SendChanges(ctx); err != nil {
		e.logger.Printf("Warning: failed to send changes: %v", err)
	}

	if err := e.transport.FetchChanges(ctx); err != nil {
		e.logger.Printf("Warning: failed to fetch changes: %v", err)
	}
	return nil
}

// handleEvent consumes one transport event. The transport invokes it on its
// own scheduling; nothing here assumes serialization with the batch provider
// or a particular goroutine.
func (e *Engine) handleEvent(ev transport.Event) {
	ctx := context.Background()

	switch ev.Kind {
	case transport.EventStateUpdate:
		e.saveState(ev.Cursor)
	case transport.EventAccountChange:
		e.logger.Printf("Remote account changed (%d)", ev.Account)
	case transport.EventFetchedDatabaseChanges:
		if len(ev.DeletedZones) > 0 {
			e.applyZoneDeletions(ctx, ev.DeletedZones)
		}
	case transport.EventFetchedRecordZoneChanges:
		e.applyBatch(ctx, ev.Modified, ev.Deleted)
	case transport.EventSentRecordZoneChanges:
		e.confirmSent(ctx, ev)
	default:
		// Lifecycle markers (will/did fetch/send) and sent-database-changes
		// require no action.
	}
}

// confirmSent resets saved rows to Synced after the transport confirms a
// send. Usually a no-op thanks to the optimistic reset at emission time.
func (e *Engine) confirmSent(ctx context.Context, ev transport.Event) {
	for _, rec := range ev.Saved {
		if err := resetStatus(ctx, e.store, rec.ID.Zone, rec.ID.Name); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	}
}
