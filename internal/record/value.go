// Package record defines the remote record model and the bidirectional value
// codec between remote record fields and local SQLite column values.
//
// A remote record is a typed bag of loosely typed field values keyed by an
// identifier. Locally the same data lives in one SQLite row whose columns are
// the record's field names. The codec in this package maps between the two
// representations; see codec.go for the conversion rules.
package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// KindNull is an absent or explicitly cleared field.
	KindNull Kind = iota
	// KindInteger is a 64-bit signed integer.
	KindInteger
	// KindReal is a double-precision float.
	KindReal
	// KindText is a UTF-8 string.
	KindText
	// KindBlob is an inline binary payload.
	KindBlob
	// KindDate is a point in time, the remote store's native date type.
	KindDate
	// KindAsset is an externally staged binary payload referenced by the
	// path of its staging file.
	KindAsset
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindDate:
		return "date"
	case KindAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// Value is a single remote record field value.
//
// The zero Value is Null. Values are immutable once constructed; use the
// constructor functions (Integer, Real, Text, Blob, Date, Asset, Null).
type Value struct {
	kind Kind
	num  int64
	real float64
	str  string // text, or staging file path for assets
	blob []byte
	date time.Time
}

// Null returns the null field value.
func Null() Value { return Value{kind: KindNull} }

// Integer returns an integer field value.
func Integer(i int64) Value { return Value{kind: KindInteger, num: i} }

// Real returns a double field value.
func Real(f float64) Value { return Value{kind: KindReal, real: f} }

// Text returns a string field value.
func Text(s string) Value { return Value{kind: KindText, str: s} }

// Blob returns an inline binary field value.
func Blob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// Date returns a date field value.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

// Asset returns an externally staged binary field value referencing the
// staging file at path.
func Asset(path string) Value { return Value{kind: KindAsset, str: path} }

// Kind returns the variant held by the value.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload. Valid only for KindInteger.
func (v Value) Int() int64 { return v.num }

// Float returns the double payload. Valid only for KindReal.
func (v Value) Float() float64 { return v.real }

// Text returns the string payload. Valid only for KindText.
func (v Value) Text() string { return v.str }

// Bytes returns the inline binary payload. Valid only for KindBlob.
func (v Value) Bytes() []byte { return v.blob }

// Time returns the date payload. Valid only for KindDate.
func (v Value) Time() time.Time { return v.date }

// AssetPath returns the staging file path. Valid only for KindAsset.
func (v Value) AssetPath() string { return v.str }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Equal reports whether two values hold the same variant and the same
// payload. A variant mismatch, including null against non-null, is never
// equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger:
		return v.num == o.num
	case KindReal:
		return v.real == o.real
	case KindText, KindAsset:
		return v.str == o.str
	case KindBlob:
		return bytes.Equal(v.blob, o.blob)
	case KindDate:
		return v.date.Equal(o.date)
	default:
		return false
	}
}

// String returns a short human-readable representation for logging.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInteger:
		return fmt.Sprintf("%d", v.num)
	case KindReal:
		return fmt.Sprintf("%g", v.real)
	case KindText:
		return fmt.Sprintf("%q", v.str)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.blob))
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindAsset:
		return fmt.Sprintf("asset(%s)", v.str)
	default:
		return "unknown"
	}
}

// ColumnType is the SQLite column type inferred for a field value. It is
// consulted only when creating a table or appending a column; existing
// columns are never retyped.
type ColumnType string

const (
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
	ColumnText    ColumnType = "TEXT"
	ColumnBlob    ColumnType = "BLOB"
)

// ColumnType returns the local column type a field of this value's variant
// should be created with. Null fields infer TEXT so a column can still be
// created from a sample record that happens to carry no value.
func (v Value) ColumnType() ColumnType {
	switch v.kind {
	case KindInteger:
		return ColumnInteger
	case KindReal:
		return ColumnReal
	case KindBlob, KindAsset:
		return ColumnBlob
	default:
		return ColumnText
	}
}

// wireValue is the JSON wire form of a Value.
type wireValue struct {
	Kind  string  `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Real  float64 `json:"real,omitempty"`
	Text  string  `json:"text,omitempty"`
	Blob  string  `json:"blob,omitempty"` // base64
	Date  string  `json:"date,omitempty"` // RFC 3339, nanosecond precision
	Asset string  `json:"asset,omitempty"`
}

// MarshalJSON encodes the value for the websocket wire. Asset payloads are
// inlined as base64 so the staging file does not need to outlive the message;
// an unreadable staging file degrades the field to null instead of failing
// the record's encode.
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindInteger:
		w.Int = v.num
	case KindReal:
		w.Real = v.real
	case KindText:
		w.Text = v.str
	case KindBlob:
		w.Blob = base64.StdEncoding.EncodeToString(v.blob)
	case KindDate:
		w.Date = v.date.Format(time.RFC3339Nano)
	case KindAsset:
		if data, err := readStagedAsset(v.str); err == nil {
			w.Kind = KindBlob.String()
			w.Blob = base64.StdEncoding.EncodeToString(data)
		} else {
			// The staging file is lost and will not come back; a null
			// field keeps the rest of the record sendable.
			w.Kind = KindNull.String()
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a value from the websocket wire. Unknown kinds decode
// to a zero-kind value so forward-compatible field types are carried through
// and dropped by the codec rather than failing the message.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "null":
		*v = Null()
	case "integer":
		*v = Integer(w.Int)
	case "real":
		*v = Real(w.Real)
	case "text":
		*v = Text(w.Text)
	case "blob":
		b, err := base64.StdEncoding.DecodeString(w.Blob)
		if err != nil {
			return fmt.Errorf("failed to decode blob payload: %w", err)
		}
		*v = Blob(b)
	case "date":
		t, err := time.Parse(time.RFC3339, w.Date)
		if err != nil {
			return fmt.Errorf("failed to parse date payload: %w", err)
		}
		*v = Date(t)
	case "asset":
		*v = Asset(w.Asset)
	default:
		*v = Value{kind: Kind(-1)}
	}
	return nil
}
