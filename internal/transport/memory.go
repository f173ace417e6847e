package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hannesmnagel/blackbird/internal/record"
)

// logEntry is one committed change in the memory store's change log.
type logEntry struct {
	seq      int64
	zone     string
	rec      *record.Record // nil for deletions
	deleted  record.ID
	external bool // true when committed by another device
}

// memoryCursor is the serialized form of the Memory transport's cursor. The
// engine treats it as opaque bytes.
type memoryCursor struct {
	Seq int64 `json:"seq"`
}

// Memory is an in-process Transport backed by a map of records and a
// sequence-numbered change log. It delivers events synchronously from inside
// SendChanges and FetchChanges, which makes engine behavior deterministic in
// tests while still exercising the handler path.
type Memory struct {
	mu       sync.Mutex
	zones    map[string]bool
	records  map[record.ID]*record.Record
	log      []logEntry
	seq      int64
	cursor   int64
	pending  []Change
	handler  Handler
	provider BatchProvider

	// AccountErr, when set, is returned by CheckAccount.
	AccountErr error
	// SendErr, when set, fails SendChanges before any change is sent.
	SendErr error
	// FetchErr, when set, fails FetchChanges before any event.
	FetchErr error
}

// NewMemory returns an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{
		zones:   make(map[string]bool),
		records: make(map[record.ID]*record.Record),
	}
}

// SetHandler implements Transport.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetProvider implements Transport.
func (m *Memory) SetProvider(p BatchProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = p
}

// RestoreState implements Transport. Corrupt cursors fall back to the
// default starting point (full refetch), mirroring how a real transport
// treats an unusable resumption token.
func (m *Memory) RestoreState(cursor []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c memoryCursor
	if err := json.Unmarshal(cursor, &c); err != nil {
		m.cursor = 0
		return
	}
	m.cursor = c.Seq
}

// PendingChanges implements Transport.
func (m *Memory) PendingChanges() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Change, len(m.pending))
	copy(out, m.pending)
	return out
}

// AddChanges implements Transport. Duplicate changes are kept single.
func (m *Memory) AddChanges(changes []Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range changes {
		if !containsChange(m.pending, ch) {
			m.pending = append(m.pending, ch)
		}
	}
}

// RemoveChanges implements Transport.
func (m *Memory) RemoveChanges(changes []Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range changes {
		m.pending = removeChange(m.pending, ch)
	}
}

// SendChanges implements Transport. Upserts resolve through the batch
// provider one change at a time; deletes are taken from the pending set
// directly. Confirmation events (sent-record-zone-changes, then a
// state-update) are delivered synchronously.
func (m *Memory) SendChanges(ctx context.Context) error {
	m.mu.Lock()
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	pending := make([]Change, len(m.pending))
	copy(pending, m.pending)
	provider := m.provider
	handler := m.handler
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	m.emit(handler, Event{Kind: EventWillSendChanges})

	var resolver RecordResolver
	if provider != nil {
		resolver = provider(pending)
	}

	var (
		saved   []*record.Record
		deleted []record.ID
	)
	for _, ch := range pending {
		switch ch.Kind {
		case ChangeUpsert:
			if resolver == nil {
				continue
			}
			rec := resolver(ctx, ch)
			if rec == nil {
				// Stale; the resolver already removed it from
				// the pending set.
				continue
			}
			m.commit(rec.Clone(), false)
			saved = append(saved, rec.Clone())
			m.RemoveChanges([]Change{ch})
		case ChangeDelete:
			m.commitDelete(ch.ID, false)
			deleted = append(deleted, ch.ID)
			m.RemoveChanges([]Change{ch})
		}
	}

	if len(saved) > 0 || len(deleted) > 0 {
		m.emit(handler, Event{Kind: EventSentRecordZoneChanges, Saved: saved, SentDeleted: deleted})
		m.emit(handler, Event{Kind: EventStateUpdate, Cursor: m.cursorBytes()})
	}
	m.emit(handler, Event{Kind: EventDidSendChanges})
	return nil
}

// FetchChanges implements Transport. Log entries past the restored cursor
// are delivered as one fetched-record-zone-changes batch followed by a
// state-update carrying the advanced cursor.
func (m *Memory) FetchChanges(ctx context.Context) error {
	m.mu.Lock()
	if m.FetchErr != nil {
		err := m.FetchErr
		m.mu.Unlock()
		return err
	}
	handler := m.handler
	var (
		modified []*record.Record
		deleted  []record.ID
		last     = m.cursor
	)
	for _, e := range m.log {
		if e.seq <= m.cursor {
			continue
		}
		last = e.seq
		if !e.external {
			// Own sends never echo back.
			continue
		}
		if e.rec != nil {
			modified = append(modified, e.rec.Clone())
		} else {
			deleted = append(deleted, e.deleted)
		}
	}
	m.cursor = last
	m.mu.Unlock()

	m.emit(handler, Event{Kind: EventWillFetchChanges})
	if len(modified) > 0 || len(deleted) > 0 {
		m.emit(handler, Event{Kind: EventFetchedRecordZoneChanges, Modified: modified, Deleted: deleted})
	}
	m.emit(handler, Event{Kind: EventStateUpdate, Cursor: m.cursorBytes()})
	m.emit(handler, Event{Kind: EventDidFetchChanges})
	return nil
}

// FetchRecord implements Transport.
func (m *Memory) FetchRecord(ctx context.Context, id record.ID) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

// EnsureZone implements Transport.
func (m *Memory) EnsureZone(ctx context.Context, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[zone] = true
	return nil
}

// CheckAccount implements Transport.
func (m *Memory) CheckAccount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AccountErr
}

// ExternalSave commits a record as if another device saved it, so a
// subsequent FetchChanges delivers it. Test helper.
func (m *Memory) ExternalSave(rec *record.Record) {
	m.commit(rec.Clone(), true)
}

// ExternalDelete commits a deletion as if another device deleted the record.
// Test helper.
func (m *Memory) ExternalDelete(id record.ID) {
	m.commitDelete(id, true)
}

// Record returns the stored record for id, or nil. Test helper.
func (m *Memory) Record(id record.ID) *record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Zones returns the set of zones ensured so far. Test helper.
func (m *Memory) Zones() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.zones))
	for z := range m.zones {
		out[z] = true
	}
	return out
}

func (m *Memory) commit(rec *record.Record, external bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	m.seq++
	m.log = append(m.log, logEntry{seq: m.seq, zone: rec.ID.Zone, rec: rec, external: external})
}

func (m *Memory) commitDelete(id record.ID, external bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	m.seq++
	m.log = append(m.log, logEntry{seq: m.seq, zone: id.Zone, deleted: id, external: external})
}

func (m *Memory) cursorBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := json.Marshal(memoryCursor{Seq: m.cursor})
	return b
}

func (m *Memory) emit(h Handler, e Event) {
	if h != nil {
		h(e)
	}
}

func containsChange(changes []Change, ch Change) bool {
	for _, c := range changes {
		if c == ch {
			return true
		}
	}
	return false
}

func removeChange(changes []Change, ch Change) []Change {
	out := changes[:0]
	for _, c := range changes {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}
