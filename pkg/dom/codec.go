package dom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/jsonc"
)

// Parse decodes a textual document. Comments and trailing commas are
// accepted so hand-authored template files can be annotated.
func Parse(data []byte) (Value, error) {
	stripped := jsonc.ToJSON(data)
	dec := json.NewDecoder(bytes.NewReader(stripped))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("parse document: trailing data after top-level value")
	}
	return v, nil
}

// MustParse parses a document literal and panics on error. Intended for tests
// and fixtures.
func MustParse(s string) Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

// Serialize encodes v compactly. Object members are emitted in sorted key
// order so equal documents produce identical bytes.
func Serialize(v Value) ([]byte, error) {
	if KindOf(v) == KindInvalid {
		return nil, fmt.Errorf("serialize document: unsupported value type %T", v)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SerializeIndent encodes v with two-space indentation for human consumption.
func SerializeIndent(v Value) ([]byte, error) {
	raw, err := Serialize(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent document: %w", err)
	}
	return out.Bytes(), nil
}
