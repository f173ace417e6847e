package record

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrUnsupported is returned when a value cannot be represented on the other
// side of the codec. Callers drop the field (remote to local) or substitute
// null (local to remote) rather than failing the surrounding batch.
var ErrUnsupported = errors.New("unsupported field value")

// columnTimeLayout is the canonical local encoding of a remote date: RFC 3339
// UTC with fixed-width nanoseconds. Fixed width keeps lexicographic order
// chronological and keeps sub-second precision through the round trip.
const columnTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ColumnValue converts a remote field value to the local column value stored
// for it.
//
// Conversion rules:
//   - null clears the column (nil)
//   - integer, real, text and blob map to their SQLite counterparts
//   - date encodes as an RFC 3339 UTC string with fixed-width nanoseconds
//     (columnTimeLayout), lossless and sortable
//   - asset payloads are read in full from their staging file; a read
//     failure returns ErrUnsupported wrapped with the cause, and the caller
//     stores null for the field
//
// Unknown variants return ErrUnsupported; the caller drops the field. This
// is deliberate tolerance for field types newer than this engine.
func ColumnValue(v Value) (any, error) {
	switch v.Kind() {
	case KindNull:
		return nil, nil
	case KindInteger:
		return v.Int(), nil
	case KindReal:
		return v.Float(), nil
	case KindText:
		return v.Text(), nil
	case KindBlob:
		return v.Bytes(), nil
	case KindDate:
		return v.Time().UTC().Format(columnTimeLayout), nil
	case KindAsset:
		data, err := readStagedAsset(v.AssetPath())
		if err != nil {
			return nil, fmt.Errorf("%w: asset read failed: %v", ErrUnsupported, err)
		}
		return data, nil
	default:
		return nil, ErrUnsupported
	}
}

// FieldValue converts a local column value to the remote field value written
// for it.
//
// Conversion rules:
//   - nil becomes an explicit null (field clear)
//   - int64 becomes integer, float64 becomes real
//   - string becomes text, except the exact canonical timestamp form
//     ColumnValue writes, which becomes the remote store's native date type;
//     this asymmetric rule round-trips dates without a separate schema flag,
//     and the byte-for-byte match guarantees no other timestamp-looking
//     string mutates by passing through the date type
//   - []byte is staged to a temporary file and referenced as an asset; a
//     staging failure returns Null plus the error, and the caller writes
//     null for the field after logging
//
// Unsupported dynamic types return Null and ErrUnsupported.
func FieldValue(col any) (Value, error) {
	switch c := col.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(c), nil
	case int:
		return Integer(int64(c)), nil
	case float64:
		return Real(c), nil
	case string:
		if t, err := time.Parse(time.RFC3339, c); err == nil &&
			t.UTC().Format(columnTimeLayout) == c {
			return Date(t), nil
		}
		return Text(c), nil
	case []byte:
		path, err := stageAsset(c)
		if err != nil {
			return Null(), fmt.Errorf("failed to stage asset: %w", err)
		}
		return Asset(path), nil
	default:
		return Null(), fmt.Errorf("%w: %T", ErrUnsupported, col)
	}
}

// EqualColumnValues reports whether two local column values hold the same
// variant and the same value. Any variant mismatch, including null against
// non-null, counts as a change.
func EqualColumnValues(a, b any) bool {
	a, b = normalizeColumn(a), normalizeColumn(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	default:
		return false
	}
}

// normalizeColumn folds the integer widths a driver may hand back into int64
// so equality compares variants, not Go representation accidents.
func normalizeColumn(v any) any {
	switch c := v.(type) {
	case int:
		return int64(c)
	case int32:
		return int64(c)
	case float32:
		return float64(c)
	default:
		return v
	}
}

// stageAsset persists data to a temporary staging file and returns its path.
// The transport owns the file afterwards; it is cleaned up by the OS temp
// policy if never sent.
func stageAsset(data []byte) (string, error) {
	f, err := os.CreateTemp("", "blackbird-asset-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	return f.Name(), nil
}

// readStagedAsset reads an asset's staging file in full.
func readStagedAsset(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
