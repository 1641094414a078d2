// Package types provides core data types for merkledb.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
)

// System fields carried by every row.
const (
	FieldID        = "id"
	FieldUID       = "uid"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// IsSystemField reports whether name is one of the engine-managed fields.
func IsSystemField(name string) bool {
	switch name {
	case FieldID, FieldUID, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

// Field is a single named value within a row.
// Encoded as a two element array so that rows keep their field order on the wire.
type Field struct {
	_struct bool `codec:",toarray"` //nolint:unused,structcheck

	Name  string
	Value interface{}
}

// Row is an ordered list of fields. Values are always normalized
// (see Normalize) before they are stored in a row.
type Row struct {
	Fields []Field
}

// NewRow builds a row from alternating name/value pairs.
// It panics on malformed input and is meant for literals in code and tests.
func NewRow(kv ...interface{}) Row {
	if len(kv)%2 != 0 {
		panic("types: NewRow requires name/value pairs")
	}
	var r Row
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("types: field name must be a string, got %T", kv[i]))
		}
		if err := r.Set(name, kv[i+1]); err != nil {
			panic(err)
		}
	}
	return r
}

// RowFromMap builds a row from a map. Keys are sorted so the result is deterministic.
func RowFromMap(m map[string]interface{}) (Row, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := Row{Fields: make([]Field, 0, len(keys))}
	for _, k := range keys {
		if err := r.Set(k, m[k]); err != nil {
			return Row{}, err
		}
	}
	return r, nil
}

// Len returns the number of fields.
func (r Row) Len() int {
	return len(r.Fields)
}

// Get returns the value of the named field.
func (r Row) Get(name string) (interface{}, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return nil, false
}

// Has reports whether the row carries the named field.
func (r Row) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Set normalizes v and stores it under name, replacing an existing field in place
// or appending a new one.
func (r *Row) Set(name string, v interface{}) error {
	if name == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidRow)
	}
	nv, err := Normalize(v)
	if err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = nv
			return nil
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: nv})
	return nil
}

// Delete removes the named field and reports whether it was present.
func (r *Row) Delete(name string) bool {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields = append(r.Fields[:i], r.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// Keys returns the field names in row order.
func (r Row) Keys() []string {
	keys := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		keys[i] = f.Name
	}
	return keys
}

// ID returns the row id, or 0 if the row has not been inserted yet.
func (r Row) ID() int64 {
	v, _ := r.Get(FieldID)
	id, _ := v.(int64)
	return id
}

// UID returns the globally unique row identifier.
func (r Row) UID() string {
	v, _ := r.Get(FieldUID)
	uid, _ := v.(string)
	return uid
}

// CreatedAt returns the insertion time in epoch milliseconds.
func (r Row) CreatedAt() int64 {
	v, _ := r.Get(FieldCreatedAt)
	ts, _ := v.(int64)
	return ts
}

// UpdatedAt returns the last modification time in epoch milliseconds.
func (r Row) UpdatedAt() int64 {
	v, _ := r.Get(FieldUpdatedAt)
	ts, _ := v.(int64)
	return ts
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r.Fields == nil {
		return Row{}
	}
	out := Row{Fields: make([]Field, len(r.Fields))}
	for i, f := range r.Fields {
		out.Fields[i] = Field{Name: f.Name, Value: cloneValue(f.Value)}
	}
	return out
}

// Map returns the row as a map. Field order is lost.
func (r Row) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// Equal reports whether both rows carry the same fields in the same order.
func (r Row) Equal(other Row) bool {
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i].Name != other.Fields[i].Name {
			return false
		}
		if !reflect.DeepEqual(r.Fields[i].Value, other.Fields[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the row as a JSON object in field order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the order of its top-level keys.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: row must be a JSON object", ErrInvalidRow)
	}

	out := Row{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: unexpected token %v", ErrInvalidRow, tok)
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if err := out.Set(name, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return err
	}

	*r = out
	return nil
}
