package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// stateFileSuffix is appended to the store path to locate the side-car file
// holding the transport's opaque cursor.
const stateFileSuffix = ".syncstate"

// stateFile is the persisted form. The cursor stays opaque: serialized bytes
// the transport produced, base64-wrapped by encoding/json.
type stateFile struct {
	Cursor []byte `json:"cursor"`
}

// saveState checkpoints the opaque cursor next to the database file so
// incremental fetch resumes after a restart. Skipped entirely for in-memory
// stores; write failures are logged, never fatal.
func (e *Engine) saveState(cursor []byte) {
	if e.store.InMemory() {
		return
	}
	data, err := json.Marshal(stateFile{Cursor: cursor})
	if err != nil {
		e.logger.Printf("Warning: failed to encode sync state: %v", err)
		return
	}
	if err := os.WriteFile(e.statePath(), data, 0644); err != nil {
		e.logger.Printf("Warning: failed to save sync state: %v", err)
	}
}

// loadState reads the persisted cursor if present. A missing or corrupt file
// is logged and treated as no prior cursor, so the next fetch starts from
// the transport's default starting point.
func (e *Engine) loadState() []byte {
	if e.store.InMemory() {
		return nil
	}
	data, err := os.ReadFile(e.statePath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Printf("Warning: failed to read sync state: %v", err)
		}
		return nil
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		e.logger.Printf("Warning: corrupt sync state, starting fresh: %v", err)
		return nil
	}
	return st.Cursor
}

func (e *Engine) statePath() string {
	return fmt.Sprintf("%s%s", e.store.Path(), stateFileSuffix)
}
