package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Value is an opaque JSON payload held in canonical form: numbers keep their
// literal text and object keys are sorted. Two values are equal when their
// canonical bytes are equal, so object key order never counts as a change
// while array order does.
type Value struct {
	raw json.RawMessage
}

// NewValue canonicalises raw JSON.
func NewValue(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("%w: trailing data after JSON document", ErrInvalidValue)
	}

	return FromTree(tree)
}

// MustValue is NewValue for literals in tests and fixtures.
func MustValue(raw string) Value {
	v, err := NewValue([]byte(raw))
	if err != nil {
		panic(err)
	}
	return v
}

// FromTree encodes an already-decoded JSON tree (maps, slices, scalars).
func FromTree(tree any) (Value, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return Value{raw: bytes.TrimRight(buf.Bytes(), "\n")}, nil
}

// Tree decodes the value back into a mutable JSON tree.
func (v Value) Tree() (any, error) {
	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return tree, nil
}

// IsZero reports whether v was never assigned.
func (v Value) IsZero() bool {
	return len(v.raw) == 0
}

// Equal compares canonical forms.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.raw, other.raw)
}

// Raw returns the canonical bytes. Callers must not modify them.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

func (v Value) String() string {
	return string(v.raw)
}

// MarshalJSON emits the canonical form; a zero Value encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON canonicalises incoming JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := NewValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
