package table

import (
	"encoding/json"

	"github.com/merkledb/merkledb/pkg/types"
)

// Result holds the rows produced by a query, in query order.
type Result struct {
	rows    []types.Row
	partial bool
}

// All returns the matched rows.
func (r *Result) All() []types.Row {
	out := make([]types.Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// First returns the first matched row.
func (r *Result) First() (types.Row, bool) {
	if len(r.rows) == 0 {
		return types.Row{}, false
	}
	return r.rows[0], true
}

// Len returns the number of matched rows.
func (r *Result) Len() int { return len(r.rows) }

// Partial reports whether a tolerant query stopped early on an unreadable block.
func (r *Result) Partial() bool { return r.partial }

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Rows    []types.Row `json:"rows"`
		Partial bool        `json:"partial,omitempty"`
	}{r.rows, r.partial})
}
