// Package transport defines the remote transport boundary the sync engine
// talks to, and ships two implementations: an in-process Memory transport
// (reference semantics, used heavily by tests) and a websocket client (WS)
// for a remote record-zone server.
//
// The transport owns the network stack, authentication and retry/backoff.
// The engine only sees the surface below: a pending-change set, send/fetch
// operations, a backing-store record lookup, and an event stream delivered
// through a handler callback on the transport's own scheduling.
package transport

import (
	"context"
	"errors"

	"github.com/hannesmnagel/blackbird/internal/record"
)

// ErrRecordNotFound is returned by FetchRecord when the backing store has no
// record with the requested id.
var ErrRecordNotFound = errors.New("record not found")

// ChangeKind tags a pending change.
type ChangeKind int

const (
	// ChangeUpsert sends the current local row as a record save.
	ChangeUpsert ChangeKind = iota
	// ChangeDelete sends a record deletion.
	ChangeDelete
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeUpsert:
		return "upsert"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one pending local change awaiting hand-off to the remote store.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   record.ID  `json:"id"`
}

// Upsert returns an upsert change for the given table and row id.
func Upsert(table, rowID string) Change {
	return Change{Kind: ChangeUpsert, ID: record.ID{Zone: table, Name: rowID}}
}

// Delete returns a delete change for the given table and row id.
func Delete(table, rowID string) Change {
	return Change{Kind: ChangeDelete, ID: record.ID{Zone: table, Name: rowID}}
}

// EventKind tags a transport event.
//
// This is a closed union owned by the engine's side of the boundary. The
// will/did lifecycle markers require no action and fall through the engine's
// default arm; review the arms whenever the transport's event set grows.
type EventKind int

const (
	// EventStateUpdate carries a new opaque cursor to persist.
	EventStateUpdate EventKind = iota
	// EventAccountChange reports a sign-in, sign-out or account switch.
	EventAccountChange
	// EventFetchedDatabaseChanges carries zone-level deletions.
	EventFetchedDatabaseChanges
	// EventFetchedRecordZoneChanges carries a batch of record
	// modifications and deletions to ingest.
	EventFetchedRecordZoneChanges
	// EventSentDatabaseChanges confirms database-scoped changes were sent.
	EventSentDatabaseChanges
	// EventSentRecordZoneChanges confirms record saves and deletions.
	EventSentRecordZoneChanges
	// EventWillFetchChanges, EventDidFetchChanges, EventWillSendChanges
	// and EventDidSendChanges are lifecycle markers requiring no action.
	EventWillFetchChanges
	EventDidFetchChanges
	EventWillSendChanges
	EventDidSendChanges
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStateUpdate:
		return "state-update"
	case EventAccountChange:
		return "account-change"
	case EventFetchedDatabaseChanges:
		return "fetched-database-changes"
	case EventFetchedRecordZoneChanges:
		return "fetched-record-zone-changes"
	case EventSentDatabaseChanges:
		return "sent-database-changes"
	case EventSentRecordZoneChanges:
		return "sent-record-zone-changes"
	case EventWillFetchChanges:
		return "will-fetch-changes"
	case EventDidFetchChanges:
		return "did-fetch-changes"
	case EventWillSendChanges:
		return "will-send-changes"
	case EventDidSendChanges:
		return "did-send-changes"
	default:
		return "unknown"
	}
}

// AccountStatus describes an account-change event.
type AccountStatus int

const (
	AccountSignIn AccountStatus = iota
	AccountSignOut
	AccountSwitch
)

// Event is one transport event. Kind selects which payload fields are set.
type Event struct {
	Kind EventKind

	// Cursor is the opaque resumption token (state-update).
	Cursor []byte
	// Account is the account transition (account-change).
	Account AccountStatus
	// DeletedZones lists deleted zones (fetched-database-changes).
	DeletedZones []string
	// Modified and Deleted carry a fetched batch
	// (fetched-record-zone-changes).
	Modified []*record.Record
	Deleted  []record.ID
	// Saved and SentDeleted confirm a sent batch
	// (sent-record-zone-changes).
	Saved       []*record.Record
	SentDeleted []record.ID
}

// Handler receives transport events. The transport invokes it on its own
// scheduling; handlers must not assume serialization with the batch provider
// or a particular goroutine identity.
type Handler func(Event)

// RecordResolver resolves one pending change into the record to send, or nil
// when the change turned out to be stale and was dropped. It is called
// lazily, one change at a time, while the transport builds the outgoing
// batch.
type RecordResolver func(ctx context.Context, ch Change) *record.Record

// BatchProvider is the callback the engine registers to serve outgoing
// changes. The transport calls it with the pending changes in scope; a nil
// resolver means there is nothing to send.
type BatchProvider func(changes []Change) RecordResolver

// Transport is the remote transport collaborator.
type Transport interface {
	// SetHandler registers the event handler. Must be called before any
	// send or fetch.
	SetHandler(h Handler)
	// SetProvider registers the outgoing batch provider.
	SetProvider(p BatchProvider)
	// RestoreState hands a previously persisted cursor back to the
	// transport so fetches resume where they left off.
	RestoreState(cursor []byte)

	// PendingChanges returns a snapshot of the pending-change set.
	PendingChanges() []Change
	// AddChanges adds changes to the pending set, de-duplicating.
	AddChanges(changes []Change)
	// RemoveChanges removes changes from the pending set.
	RemoveChanges(changes []Change)

	// SendChanges sends all pending changes now, resolving upserts
	// through the batch provider.
	SendChanges(ctx context.Context) error
	// FetchChanges pulls remote changes since the current cursor.
	FetchChanges(ctx context.Context) error
	// FetchRecord looks a record up in the remote backing store.
	FetchRecord(ctx context.Context, id record.ID) (*record.Record, error)

	// EnsureZone creates the remote zone for a table if missing.
	EnsureZone(ctx context.Context, zone string) error
	// CheckAccount verifies the remote account/service is reachable.
	CheckAccount(ctx context.Context) error
}
