package types

import (
	"fmt"
	"sort"
)

// AggregateOp names a per-block reduction.
type AggregateOp string

const (
	AggMax   AggregateOp = "max"
	AggMin   AggregateOp = "min"
	AggSum   AggregateOp = "sum"
	AggCount AggregateOp = "count"
	AggAvg   AggregateOp = "avg"
	AggRange AggregateOp = "range"
)

// Valid reports whether op is a known reduction.
func (op AggregateOp) Valid() bool {
	switch op {
	case AggMax, AggMin, AggSum, AggCount, AggAvg, AggRange:
		return true
	}
	return false
}

// IndexDef defines a secondary index over one or more fields.
type IndexDef struct {
	// Fields lists the fields that make up the composite key
	Fields []string `json:"fields" yaml:"fields"`

	// Unique rejects a second row with the same key within one block
	Unique bool `json:"unique" yaml:"unique"`
}

// TableDefinition describes a table. It is immutable once a table is built from it.
type TableDefinition struct {
	// SchemaID names the row shape in the external schema registry
	SchemaID string `json:"schemaId" yaml:"schema_id"`

	// SchemaVersion is the optional version of SchemaID
	SchemaVersion string `json:"schemaVersion,omitempty" yaml:"schema_version"`

	// Encrypted marks the table payloads as encrypted at rest
	Encrypted bool `json:"encrypted" yaml:"encrypted"`

	// Indexes maps index name to its definition
	Indexes map[string]IndexDef `json:"indexes,omitempty" yaml:"indexes"`

	// Aggregate maps field name to the reduction kept per block
	Aggregate map[string]AggregateOp `json:"aggregate,omitempty" yaml:"aggregate"`

	// Rollup is the maximum number of rows per block (>= 1)
	Rollup int `json:"rollup" yaml:"rollup"`

	// SearchOptions lists the fields covered by full-text search
	SearchOptions []string `json:"searchOptions,omitempty" yaml:"search_options"`

	// Shape maps field name to a validation rule understood by the validator
	Shape map[string]string `json:"shape,omitempty" yaml:"shape"`

	// Strict enables validation of every row before it is accepted
	Strict bool `json:"strict,omitempty" yaml:"strict"`
}

// Validate checks the definition for structural errors.
func (d TableDefinition) Validate() error {
	if d.Rollup < 1 {
		return fmt.Errorf("%w: rollup must be >= 1, got %d", ErrInvalidDefinition, d.Rollup)
	}
	for name, idx := range d.Indexes {
		if name == "" {
			return fmt.Errorf("%w: index with empty name", ErrInvalidDefinition)
		}
		if len(idx.Fields) == 0 {
			return fmt.Errorf("%w: index %q has no fields", ErrInvalidDefinition, name)
		}
	}
	for field, op := range d.Aggregate {
		if !op.Valid() {
			return fmt.Errorf("%w: unknown aggregate %q on field %q", ErrInvalidDefinition, op, field)
		}
	}
	return nil
}

// IndexNames returns the index names in sorted order.
func (d TableDefinition) IndexNames() []string {
	names := make([]string, 0, len(d.Indexes))
	for name := range d.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateFields returns the aggregated field names in sorted order.
func (d TableDefinition) AggregateFields() []string {
	fields := make([]string, 0, len(d.Aggregate))
	for f := range d.Aggregate {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// IndexFor returns the name of an index whose fields are exactly fields.
func (d TableDefinition) IndexFor(fields ...string) (string, bool) {
	for _, name := range d.IndexNames() {
		idx := d.Indexes[name]
		if len(idx.Fields) != len(fields) {
			continue
		}
		match := true
		for i := range fields {
			if idx.Fields[i] != fields[i] {
				match = false
				break
			}
		}
		if match {
			return name, true
		}
	}
	return "", false
}

// Clone returns a deep copy of the definition.
func (d TableDefinition) Clone() TableDefinition {
	out := d
	if d.Indexes != nil {
		out.Indexes = make(map[string]IndexDef, len(d.Indexes))
		for k, v := range d.Indexes {
			out.Indexes[k] = IndexDef{Fields: append([]string(nil), v.Fields...), Unique: v.Unique}
		}
	}
	if d.Aggregate != nil {
		out.Aggregate = make(map[string]AggregateOp, len(d.Aggregate))
		for k, v := range d.Aggregate {
			out.Aggregate[k] = v
		}
	}
	if d.Shape != nil {
		out.Shape = make(map[string]string, len(d.Shape))
		for k, v := range d.Shape {
			out.Shape[k] = v
		}
	}
	out.SearchOptions = append([]string(nil), d.SearchOptions...)
	return out
}
