package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hannesmnagel/blackbird/internal/record"
)

// wsRequest is one client request envelope on the websocket wire.
type wsRequest struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Service  string         `json:"service,omitempty"`
	Zone     string         `json:"zone,omitempty"`
	Record   *record.Record `json:"record,omitempty"`
	RecordID *record.ID     `json:"record_id,omitempty"`
	Cursor   int64          `json:"cursor,omitempty"`
}

// wsResponse is one server response envelope.
type wsResponse struct {
	ID           string           `json:"id"`
	OK           bool             `json:"ok"`
	Error        string           `json:"error,omitempty"`
	NotFound     bool             `json:"not_found,omitempty"`
	Record       *record.Record   `json:"record,omitempty"`
	Modified     []*record.Record `json:"modified,omitempty"`
	Deleted      []record.ID      `json:"deleted,omitempty"`
	DeletedZones []string         `json:"deleted_zones,omitempty"`
	Cursor       int64            `json:"cursor,omitempty"`
}

// wsCursor is the serialized opaque cursor for the websocket transport.
type wsCursor struct {
	Seq int64 `json:"seq"`
}

// WS is a Transport talking to a record-zone server over a websocket.
//
// Requests carry uuid correlation ids so the single read loop can route
// responses back to their callers. Retry/backoff across reconnects is the
// caller's concern (the sync daemon simply runs another cycle); within one
// call a dropped connection surfaces as a transport error, which the engine
// logs and retries on the next sync.
type WS struct {
	url     string
	service string
	logger  *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	inflight map[string]chan wsResponse
	cursor   int64
	pending  []Change
	handler  Handler
	provider BatchProvider
}

// DialWS connects to the record-zone server at url for the given service
// identifier. If logger is nil, a default logger writing to stderr is used.
func DialWS(ctx context.Context, url, service string, logger *log.Logger) (*WS, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial record server: %w", err)
	}
	conn.SetReadLimit(32 << 20) // records can carry asset payloads

	w := &WS{
		url:      url,
		service:  service,
		logger:   logger,
		conn:     conn,
		inflight: make(map[string]chan wsResponse),
	}
	go w.readLoop(conn)
	return w, nil
}

// Close closes the connection.
func (w *WS) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop routes server responses to the in-flight request that asked for
// them. It exits when the connection drops; in-flight callers get an error.
func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			w.failInflight(err)
			return
		}
		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			w.logger.Printf("Warning: malformed server message: %v", err)
			continue
		}
		w.mu.Lock()
		ch, ok := w.inflight[resp.ID]
		if ok {
			delete(w.inflight, resp.ID)
		}
		w.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failInflight unblocks every waiting caller after the connection drops.
func (w *WS) failInflight(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.inflight {
		close(ch)
		delete(w.inflight, id)
	}
	w.conn = nil
	w.logger.Printf("Warning: connection lost: %v", err)
}

// roundTrip sends one request and waits for its response.
func (w *WS) roundTrip(ctx context.Context, req wsRequest) (wsResponse, error) {
	req.ID = uuid.NewString()
	req.Service = w.service

	data, err := json.Marshal(req)
	if err != nil {
		return wsResponse{}, fmt.Errorf("failed to encode %s request: %w", req.Action, err)
	}

	ch := make(chan wsResponse, 1)
	w.mu.Lock()
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return wsResponse{}, errors.New("connection closed")
	}
	w.inflight[req.ID] = ch
	w.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		w.mu.Lock()
		delete(w.inflight, req.ID)
		w.mu.Unlock()
		return wsResponse{}, fmt.Errorf("failed to send %s request: %w", req.Action, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wsResponse{}, errors.New("connection lost awaiting response")
		}
		if !resp.OK && !resp.NotFound {
			return wsResponse{}, fmt.Errorf("%s rejected: %s", req.Action, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.inflight, req.ID)
		w.mu.Unlock()
		return wsResponse{}, ctx.Err()
	}
}

// SetHandler implements Transport.
func (w *WS) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// SetProvider implements Transport.
func (w *WS) SetProvider(p BatchProvider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provider = p
}

// RestoreState implements Transport.
func (w *WS) RestoreState(cursor []byte) {
	var c wsCursor
	if err := json.Unmarshal(cursor, &c); err != nil {
		w.logger.Printf("Warning: unusable cursor, starting from scratch: %v", err)
		return
	}
	w.mu.Lock()
	w.cursor = c.Seq
	w.mu.Unlock()
}

// PendingChanges implements Transport.
func (w *WS) PendingChanges() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Change, len(w.pending))
	copy(out, w.pending)
	return out
}

// AddChanges implements Transport.
func (w *WS) AddChanges(changes []Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range changes {
		if !containsChange(w.pending, ch) {
			w.pending = append(w.pending, ch)
		}
	}
}

// RemoveChanges implements Transport.
func (w *WS) RemoveChanges(changes []Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range changes {
		w.pending = removeChange(w.pending, ch)
	}
}

// SendChanges implements Transport. Each pending change goes out as its own
// request; a failed save leaves its change pending for the next cycle while
// the rest of the batch proceeds.
func (w *WS) SendChanges(ctx context.Context) error {
	w.mu.Lock()
	pending := make([]Change, len(w.pending))
	copy(pending, w.pending)
	provider := w.provider
	handler := w.handler
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	w.emit(handler, Event{Kind: EventWillSendChanges})

	var resolver RecordResolver
	if provider != nil {
		resolver = provider(pending)
	}

	var (
		saved   []*record.Record
		deleted []record.ID
		lastErr error
	)
	for _, ch := range pending {
		switch ch.Kind {
		case ChangeUpsert:
			if resolver == nil {
				continue
			}
			rec := resolver(ctx, ch)
			if rec == nil {
				continue
			}
			resp, err := w.roundTrip(ctx, wsRequest{Action: "save", Record: rec})
			if err != nil {
				w.logger.Printf("Warning: failed to save %s: %v", ch.ID, err)
				lastErr = err
				continue
			}
			saved = append(saved, rec)
			w.RemoveChanges([]Change{ch})
			w.storeCursor(resp.Cursor)
		case ChangeDelete:
			id := ch.ID
			resp, err := w.roundTrip(ctx, wsRequest{Action: "delete", RecordID: &id})
			if err != nil {
				w.logger.Printf("Warning: failed to delete %s: %v", ch.ID, err)
				lastErr = err
				continue
			}
			deleted = append(deleted, ch.ID)
			w.RemoveChanges([]Change{ch})
			w.storeCursor(resp.Cursor)
		}
	}

	if len(saved) > 0 || len(deleted) > 0 {
		w.emit(handler, Event{Kind: EventSentRecordZoneChanges, Saved: saved, SentDeleted: deleted})
		w.emit(handler, Event{Kind: EventStateUpdate, Cursor: w.cursorBytes()})
	}
	w.emit(handler, Event{Kind: EventDidSendChanges})
	return lastErr
}

// FetchChanges implements Transport.
func (w *WS) FetchChanges(ctx context.Context) error {
	w.mu.Lock()
	cursor := w.cursor
	handler := w.handler
	w.mu.Unlock()

	w.emit(handler, Event{Kind: EventWillFetchChanges})

	resp, err := w.roundTrip(ctx, wsRequest{Action: "fetch_changes", Cursor: cursor})
	if err != nil {
		return fmt.Errorf("failed to fetch changes: %w", err)
	}

	if len(resp.DeletedZones) > 0 {
		w.emit(handler, Event{Kind: EventFetchedDatabaseChanges, DeletedZones: resp.DeletedZones})
	}
	if len(resp.Modified) > 0 || len(resp.Deleted) > 0 {
		w.emit(handler, Event{Kind: EventFetchedRecordZoneChanges, Modified: resp.Modified, Deleted: resp.Deleted})
	}

	w.storeCursor(resp.Cursor)
	w.emit(handler, Event{Kind: EventStateUpdate, Cursor: w.cursorBytes()})
	w.emit(handler, Event{Kind: EventDidFetchChanges})
	return nil
}

// FetchRecord implements Transport.
func (w *WS) FetchRecord(ctx context.Context, id record.ID) (*record.Record, error) {
	resp, err := w.roundTrip(ctx, wsRequest{Action: "fetch_record", RecordID: &id})
	if err != nil {
		return nil, err
	}
	if resp.NotFound || resp.Record == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return resp.Record, nil
}

// EnsureZone implements Transport.
func (w *WS) EnsureZone(ctx context.Context, zone string) error {
	_, err := w.roundTrip(ctx, wsRequest{Action: "ensure_zone", Zone: zone})
	if err != nil {
		return fmt.Errorf("failed to ensure zone %s: %w", zone, err)
	}
	return nil
}

// CheckAccount implements Transport.
func (w *WS) CheckAccount(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := w.roundTrip(ctx, wsRequest{Action: "ping"}); err != nil {
		return fmt.Errorf("record server unreachable: %w", err)
	}
	return nil
}

func (w *WS) storeCursor(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.cursor {
		w.cursor = seq
	}
}

func (w *WS) cursorBytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, _ := json.Marshal(wsCursor{Seq: w.cursor})
	return b
}

func (w *WS) emit(h Handler, e Event) {
	if h != nil {
		h(e)
	}
}
