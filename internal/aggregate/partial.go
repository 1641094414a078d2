// Package aggregate computes per-block reductions and merges them across
// blocks at query time.
package aggregate

import (
	"fmt"

	"github.com/merkledb/merkledb/pkg/types"
)

// Partial holds the reduction of one field over one block's rows. Sum, Count,
// Min and Max are kept alongside Value so that partials from different blocks
// can be merged exactly (an average of averages is not an average).
type Partial struct {
	Op    types.AggregateOp `codec:"op" json:"op"`
	Value interface{}       `codec:"value" json:"value"`
	Count int64             `codec:"count" json:"count"`
	Sum   float64           `codec:"sum" json:"sum"`

	// IntSum is the exact total while every summed value is an int64.
	IntSum int64 `codec:"isum" json:"-"`
	Min   interface{}       `codec:"min" json:"min,omitempty"`
	Max   interface{}       `codec:"max" json:"max,omitempty"`

	// Fractional is set once a non-integral number was summed or IntSum
	// would overflow; Sum is the total from then on.
	Fractional bool `codec:"frac" json:"-"`
}

// New creates an empty partial for op.
func New(op types.AggregateOp) *Partial {
	p := &Partial{Op: op}
	p.Value = p.result()
	return p
}

// Compute reduces field over rows.
func Compute(rows []types.Row, field string, op types.AggregateOp) *Partial {
	p := New(op)
	for _, r := range rows {
		v, _ := r.Get(field)
		p.Accumulate(v)
	}
	return p
}

// Accumulate adds a single value. Nil values are ignored by every reduction;
// non-numeric values are ignored by sum, avg and range.
func (p *Partial) Accumulate(value interface{}) {
	if value == nil {
		return
	}

	switch p.Op {
	case types.AggCount:
		p.Count++

	case types.AggSum, types.AggAvg:
		f, ok := types.ToFloat(value)
		if !ok {
			return
		}
		p.Sum += f
		p.Count++
		if i, isInt := value.(int64); isInt {
			p.addInt(i)
		} else {
			p.Fractional = true
		}

	case types.AggMin, types.AggMax:
		p.observe(value)
		p.Count++

	case types.AggRange:
		if _, ok := types.ToFloat(value); !ok {
			return
		}
		p.observe(value)
		p.Count++
	}
	p.Value = p.result()
}

func (p *Partial) observe(value interface{}) {
	if p.Min == nil || types.Compare(value, p.Min) < 0 {
		p.Min = value
	}
	if p.Max == nil || types.Compare(value, p.Max) > 0 {
		p.Max = value
	}
}

// Merge folds another partial of the same op into p.
func (p *Partial) Merge(o *Partial) error {
	if o == nil {
		return nil
	}
	if o.Op != p.Op {
		return fmt.Errorf("aggregate: cannot merge %s into %s", o.Op, p.Op)
	}
	p.Count += o.Count
	p.Sum += o.Sum
	p.Fractional = p.Fractional || o.Fractional
	p.addInt(o.IntSum)
	if o.Min != nil && (p.Min == nil || types.Compare(o.Min, p.Min) < 0) {
		p.Min = o.Min
	}
	if o.Max != nil && (p.Max == nil || types.Compare(o.Max, p.Max) > 0) {
		p.Max = o.Max
	}
	p.Value = p.result()
	return nil
}

func (p *Partial) addInt(i int64) {
	if p.Fractional {
		return
	}
	sum := p.IntSum + i
	if (i > 0 && sum < p.IntSum) || (i < 0 && sum > p.IntSum) {
		p.Fractional = true
		return
	}
	p.IntSum = sum
}

// Result returns the reduced value.
func (p *Partial) Result() interface{} {
	return p.Value
}

func (p *Partial) result() interface{} {
	switch p.Op {
	case types.AggCount:
		return p.Count
	case types.AggSum:
		if !p.Fractional {
			return p.IntSum
		}
		return p.Sum
	case types.AggAvg:
		if p.Count == 0 {
			return nil
		}
		return p.Sum / float64(p.Count)
	case types.AggMin:
		return p.Min
	case types.AggMax:
		return p.Max
	case types.AggRange:
		lo, okLo := types.ToFloat(p.Min)
		hi, okHi := types.ToFloat(p.Max)
		if !okLo || !okHi {
			return nil
		}
		_, intLo := p.Min.(int64)
		_, intHi := p.Max.(int64)
		if intLo && intHi {
			return p.Max.(int64) - p.Min.(int64)
		}
		return hi - lo
	}
	return nil
}

// Clone returns a copy of p.
func (p *Partial) Clone() *Partial {
	cp := *p
	return &cp
}

// Build computes one partial per aggregated field.
func Build(rows []types.Row, specs map[string]types.AggregateOp) map[string]*Partial {
	if len(specs) == 0 {
		return nil
	}
	out := make(map[string]*Partial, len(specs))
	for field, op := range specs {
		out[field] = Compute(rows, field, op)
	}
	return out
}
