package record

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestValue_Kinds tests that constructors produce the right variant.
func TestValue_Kinds(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want Kind
	}{
		{"null", Null(), KindNull},
		{"integer", Integer(42), KindInteger},
		{"real", Real(3.5), KindReal},
		{"text", Text("hello"), KindText},
		{"blob", Blob([]byte{1, 2, 3}), KindBlob},
		{"date", Date(time.Now()), KindDate},
		{"asset", Asset("/tmp/x"), KindAsset},
	}
	for _, tc := range cases {
		if got := tc.v.Kind(); got != tc.want {
			t.Errorf("%s: Kind() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// TestValue_Equal tests variant-aware equality.
func TestValue_Equal(t *testing.T) {
	if !Integer(5).Equal(Integer(5)) {
		t.Error("equal integers reported unequal")
	}
	if Integer(5).Equal(Integer(6)) {
		t.Error("different integers reported equal")
	}
	if Integer(5).Equal(Real(5)) {
		t.Error("variant mismatch reported equal")
	}
	if Null().Equal(Text("")) {
		t.Error("null vs empty text reported equal")
	}
	if !Null().Equal(Null()) {
		t.Error("null vs null reported unequal")
	}
	if !Blob([]byte("ab")).Equal(Blob([]byte("ab"))) {
		t.Error("equal blobs reported unequal")
	}

	now := time.Now()
	if !Date(now).Equal(Date(now.UTC())) {
		t.Error("same instant in different locations reported unequal")
	}
}

// TestValue_ColumnType tests column type inference.
func TestValue_ColumnType(t *testing.T) {
	cases := []struct {
		v    Value
		want ColumnType
	}{
		{Integer(1), ColumnInteger},
		{Real(1.5), ColumnReal},
		{Text("x"), ColumnText},
		{Date(time.Now()), ColumnText},
		{Blob([]byte{0}), ColumnBlob},
		{Asset("/tmp/x"), ColumnBlob},
		{Null(), ColumnText},
	}
	for _, tc := range cases {
		if got := tc.v.ColumnType(); got != tc.want {
			t.Errorf("%s: ColumnType() = %v, want %v", tc.v.Kind(), got, tc.want)
		}
	}
}

// TestValue_JSONRoundTrip tests the websocket wire encoding.
func TestValue_JSONRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Integer(-7),
		Real(2.25),
		Text("héllo"),
		Blob([]byte{0, 1, 255}),
		Date(time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)),
		Date(time.Date(2024, 6, 1, 12, 30, 0, 123456789, time.UTC)),
	}

	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%s) failed: %v", v.Kind(), err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", v.Kind(), err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip changed %s: got %s, want %s", v.Kind(), got, v)
		}
	}
}

// TestValue_JSONAssetInlinedAsBlob tests that asset payloads go onto the wire
// as inline blobs read from the staging file.
func TestValue_JSONAssetInlinedAsBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asset.bin")
	if err := os.WriteFile(path, []byte{9, 8, 7}, 0644); err != nil {
		t.Fatalf("failed to write staging file: %v", err)
	}

	data, err := json.Marshal(Asset(path))
	if err != nil {
		t.Fatalf("Marshal(asset) failed: %v", err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !got.Equal(Blob([]byte{9, 8, 7})) {
		t.Errorf("asset arrived as %s, want inline blob payload", got)
	}
}

// TestValue_JSONAssetMissingFileDegradesToNull tests that a lost staging file
// nulls the field instead of failing the whole record's encode.
func TestValue_JSONAssetMissingFileDegradesToNull(t *testing.T) {
	data, err := json.Marshal(Asset(filepath.Join(t.TempDir(), "gone")))
	if err != nil {
		t.Fatalf("Marshal(asset with lost staging file) failed: %v", err)
	}
	var got Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !got.IsNull() {
		t.Errorf("lost asset arrived as %s, want null", got)
	}
}

// TestValue_JSONUnknownKind tests that unknown wire kinds decode without
// error and are later dropped by the codec.
func TestValue_JSONUnknownKind(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"kind":"reference","text":"x"}`), &v); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, err := ColumnValue(v); err == nil {
		t.Error("ColumnValue accepted an unknown variant")
	}
}

// TestRecord_ChangedOrAllKeys tests the changed-key fallback.
func TestRecord_ChangedOrAllKeys(t *testing.T) {
	r := New("Person", "p1")
	r.Fields["name"] = Text("Ann")
	r.Fields["age"] = Integer(5)

	keys := r.ChangedOrAllKeys()
	if len(keys) != 2 {
		t.Fatalf("ChangedOrAllKeys() = %v, want both fields", keys)
	}

	r.ChangedKeys = []string{"age"}
	keys = r.ChangedOrAllKeys()
	if len(keys) != 1 || keys[0] != "age" {
		t.Errorf("ChangedOrAllKeys() = %v, want [age]", keys)
	}
}

// TestRecord_SetTracksChanges tests that Set records changed keys once.
func TestRecord_SetTracksChanges(t *testing.T) {
	r := New("Person", "p1")
	r.Set("name", Text("Ann"))
	r.Set("name", Text("Beth"))

	if len(r.ChangedKeys) != 1 {
		t.Errorf("ChangedKeys = %v, want a single entry", r.ChangedKeys)
	}
	if v, _ := r.Get("name"); !v.Equal(Text("Beth")) {
		t.Errorf("Get(name) = %s, want Beth", v)
	}
}
