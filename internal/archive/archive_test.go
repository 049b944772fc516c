package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncode_SortedIndented(t *testing.T) {
	in := []byte(`{"type":"invoice.created","guid":"EV1","entity_data":{"total_fee":72,"rate":3.50,"tags":[],"meta":{}},"note":"<b>&"}`)

	got, err := Encode(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{
    "entity_data": {
        "meta": {},
        "rate": 3.50,
        "tags": [],
        "total_fee": 72
    },
    "guid": "EV1",
    "note": "<b>&",
    "type": "invoice.created"
}`
	if string(got) != want {
		t.Errorf("Encode() =\n%s\nwant\n%s", got, want)
	}
}

func TestEncode_EscapesNonASCII(t *testing.T) {
	got, err := Encode([]byte(`{"name":"Café 😀"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := `{
    "name": "Caf\u00e9 \ud83d\ude00"
}`
	if string(got) != want {
		t.Errorf("Encode() = %s, want %s", got, want)
	}
}

func TestEncode_Invalid(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":1} {"b":2}`} {
		if _, err := Encode([]byte(in)); err == nil {
			t.Errorf("Encode(%q): expected error", in)
		}
	}
}

func TestValidKey(t *testing.T) {
	for _, key := range []string{"EV3a9d6f5e9a5b11e3", "EV1.json"} {
		if err := ValidKey(key); err != nil {
			t.Errorf("ValidKey(%q) = %v", key, err)
		}
	}
	for _, key := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b"} {
		if err := ValidKey(key); err == nil {
			t.Errorf("ValidKey(%q): expected error", key)
		}
	}
}

func TestDir_WriteOverwrites(t *testing.T) {
	root := filepath.Join(t.TempDir(), "events")
	d, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	ctx := context.Background()

	if err := d.Write(ctx, "EV1", []byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Write(ctx, "EV1", []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "EV1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the archived file, got %d entries", len(entries))
	}
}

func TestDir_RejectsBadKey(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Write(context.Background(), "../escape", []byte("x")); err == nil {
		t.Error("expected error for path traversal key")
	}
}

func TestDir_WriteFailure(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if err := d.Write(context.Background(), "EV1", []byte("x")); err == nil {
		t.Error("expected error when the directory is gone")
	}
}

func TestNewDir_Empty(t *testing.T) {
	if _, err := NewDir(""); err == nil {
		t.Error("expected error for empty path")
	}
}

type failingArchiver struct{ err error }

func (f failingArchiver) Write(context.Context, string, []byte) error { return f.err }
func (f failingArchiver) Close() error                                { return nil }

func TestMulti(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("disk full")
	m := Multi{failingArchiver{err: boom}, d}

	err = m.Write(context.Background(), "EV1", []byte("x"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if _, statErr := os.Stat(d.Path("EV1")); statErr != nil {
		t.Errorf("later archivers must still be written: %v", statErr)
	}
	if err := m.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
