package record

import (
	"fmt"
	"sort"
)

// ID identifies one remote record: the zone it lives in (which maps 1:1 to a
// local table name) and the record name (which maps to the local row id).
type ID struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

// String returns the id in zone/name form.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s", id.Zone, id.Name)
}

// Record is one remote record: a typed bag of field values plus an optional
// list of the field names changed since it was last fetched.
//
// The record type equals the zone name; both map to the local table name.
type Record struct {
	// Type is the record type name.
	Type string `json:"type"`
	// ID locates the record in its zone.
	ID ID `json:"id"`
	// Fields maps field names to values.
	Fields map[string]Value `json:"fields"`
	// ChangedKeys lists the fields modified since the last fetch. An empty
	// list means all fields may have changed.
	ChangedKeys []string `json:"changed_keys,omitempty"`
}

// New returns an empty record of the given type, named name in the zone of
// the same name.
func New(typ, name string) *Record {
	return &Record{
		Type:   typ,
		ID:     ID{Zone: typ, Name: name},
		Fields: make(map[string]Value),
	}
}

// Set stores a field value and marks the field changed.
func (r *Record) Set(key string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	r.Fields[key] = v
	for _, k := range r.ChangedKeys {
		if k == key {
			return
		}
	}
	r.ChangedKeys = append(r.ChangedKeys, key)
}

// Get returns the value for key and whether the field is present.
func (r *Record) Get(key string) (Value, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Keys returns all field names in sorted order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangedOrAllKeys returns the changed-field list, or every field name when
// the list is empty (meaning all fields may have changed).
func (r *Record) ChangedOrAllKeys() []string {
	if len(r.ChangedKeys) > 0 {
		keys := make([]string, len(r.ChangedKeys))
		copy(keys, r.ChangedKeys)
		return keys
	}
	return r.Keys()
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := &Record{
		Type:   r.Type,
		ID:     r.ID,
		Fields: make(map[string]Value, len(r.Fields)),
	}
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if len(r.ChangedKeys) > 0 {
		c.ChangedKeys = make([]string, len(r.ChangedKeys))
		copy(c.ChangedKeys, r.ChangedKeys)
	}
	return c
}
