// Package archive keeps a copy of every invoice event the feeder handles,
// keyed by event GUID. Writes overwrite: a redelivered event replaces its
// earlier copy.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

// Archiver stores raw event payloads.
type Archiver interface {
	Write(ctx context.Context, key string, data []byte) error
	Close() error
}

// Encode re-renders a JSON document with sorted keys, four-space
// indentation and ASCII-only output. Numbers keep their original text.
func Encode(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode event: trailing data after document")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return asciiOnly(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// asciiOnly escapes every non-ASCII rune as \uXXXX, using surrogate pairs
// outside the basic multilingual plane. Non-ASCII only occurs inside
// JSON strings, so the result is equivalent JSON.
func asciiOnly(b []byte) []byte {
	if isASCII(b) {
		return b
	}
	var out strings.Builder
	for _, r := range string(b) {
		switch {
		case r < 0x80:
			out.WriteRune(r)
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return []byte(out.String())
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// ValidKey reports whether key can name an archived event. Keys are event
// GUIDs and must not contain path elements.
func ValidKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("invalid archive key %q", key)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("archive key %q contains a path separator", key)
	}
	return nil
}

// Multi writes to every archiver in turn and joins their errors.
type Multi []Archiver

func (m Multi) Write(ctx context.Context, key string, data []byte) error {
	var errs []error
	for _, a := range m {
		if err := a.Write(ctx, key, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		errs = append(errs, a.Close())
	}
	return errors.Join(errs...)
}
