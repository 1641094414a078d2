package table

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/codec"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// Supported where operators.
const (
	OpEq       = "="
	OpNe       = "!="
	OpIn       = "in"
	OpLt       = "<"
	OpLte      = "<="
	OpGt       = ">"
	OpGte      = ">="
	OpContains = "contains"
)

// Condition is one where clause.
type Condition struct {
	Field string      `codec:"field" json:"field"`
	Op    string      `codec:"op" json:"op"`
	Value interface{} `codec:"value" json:"value"`
}

// Order is one order by clause.
type Order struct {
	Field string `codec:"field" json:"field"`
	Desc  bool   `codec:"desc" json:"desc"`
}

// instructions is the canonical form of a query, used as its cache key.
type instructions struct {
	Where    []Condition `codec:"where"`
	Order    []Order     `codec:"order"`
	Limit    int         `codec:"limit"`
	Offset   int         `codec:"offset"`
	Search   string      `codec:"search"`
	Select   []string    `codec:"select"`
	Tolerant bool        `codec:"tolerant"`
}

// Query is a lazily evaluated instruction list over a table. Builder methods
// record the first error, which Execute, Delete and Update then return.
type Query struct {
	t   *Table
	ins instructions
	err error
}

// Query starts a new query.
func (t *Table) Query() *Query {
	return &Query{t: t, ins: instructions{Where: []Condition{}, Order: []Order{}}}
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Where adds a condition. Conditions are ANDed.
func (q *Query) Where(field, op string, value interface{}) *Query {
	op = strings.ToLower(strings.TrimSpace(op))
	switch op {
	case OpEq, OpNe, OpIn, OpLt, OpLte, OpGt, OpGte, OpContains:
	case "==":
		op = OpEq
	default:
		return q.fail(dberrors.NewQueryError(dberrors.CodeUnsupportedOperator,
			fmt.Sprintf("unsupported operator %q", op)))
	}
	if field == "" {
		return q.fail(dberrors.NewQueryError(dberrors.CodeInvalidQuery, "where needs a field"))
	}
	nv, err := types.Normalize(value)
	if err != nil {
		return q.fail(dberrors.Wrap(dberrors.ErrCategoryQuery, dberrors.CodeInvalidQuery,
			fmt.Sprintf("where %s", field), err))
	}
	if op == OpIn {
		if _, ok := nv.([]interface{}); !ok {
			return q.fail(dberrors.NewQueryError(dberrors.CodeInvalidQuery,
				fmt.Sprintf("operator in on %q needs an array", field)))
		}
	}
	q.ins.Where = append(q.ins.Where, Condition{Field: field, Op: op, Value: nv})
	return q
}

// OrderBy adds a sort key. direction is "asc" or "desc".
func (q *Query) OrderBy(field, direction string) *Query {
	var desc bool
	switch strings.ToLower(direction) {
	case "", "asc":
	case "desc":
		desc = true
	default:
		return q.fail(dberrors.NewQueryError(dberrors.CodeInvalidQuery,
			fmt.Sprintf("unknown order direction %q", direction)))
	}
	q.ins.Order = append(q.ins.Order, Order{Field: field, Desc: desc})
	return q
}

// Limit caps the number of rows returned. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		return q.fail(dberrors.NewQueryError(dberrors.CodeInvalidQuery, "limit must not be negative"))
	}
	q.ins.Limit = n
	return q
}

// Offset skips the first n matched rows.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		return q.fail(dberrors.NewQueryError(dberrors.CodeInvalidQuery, "offset must not be negative"))
	}
	q.ins.Offset = n
	return q
}

// Search keeps rows whose search fields contain every token of term.
func (q *Query) Search(term string) *Query {
	q.ins.Search = term
	return q
}

// Tolerant lets Execute return the rows found so far when a sealed block
// cannot be loaded, instead of failing.
func (q *Query) Tolerant() *Query {
	q.ins.Tolerant = true
	return q
}

// Select ends the builder chain. With fields, rows are projected onto them.
func (q *Query) Select(fields ...string) *Query {
	q.ins.Select = append(q.ins.Select, fields...)
	return q
}

// Execute evaluates the query: the current block first, then sealed blocks
// from the head backward. Without an order the walk stops as soon as
// offset+limit rows are collected, and rows come newest block first.
func (q *Query) Execute(ctx context.Context) (*Result, error) {
	if q.err != nil {
		return nil, q.err
	}
	t := q.t
	v := t.view()
	if err := q.checkSearch(v.def); err != nil {
		return nil, err
	}
	t.record(v.def, q.ins)
	t.metrics.Query(t.id)

	key, err := q.cacheKey()
	if err != nil {
		return nil, dberrors.NewInternalError("query key", err)
	}
	if t.cache.HasQuery(key) {
		if rows, ok := t.cache.GetQuery(key); ok {
			return &Result{rows: rows}, nil
		}
	}

	want := -1
	if len(q.ins.Order) == 0 && q.ins.Limit > 0 {
		want = q.ins.Offset + q.ins.Limit
	}

	matched := q.scan(v.def, v.current, nil)
	partial := false
	if want < 0 || len(matched) < want {
		it := t.chain(v.head)
		for it.Next(ctx) {
			b := it.Block()
			if q.ins.Search != "" && !b.MayContain(q.ins.Search) {
				continue
			}
			matched = q.scan(v.def, b, matched)
			if want >= 0 && len(matched) >= want {
				break
			}
		}
		if err := it.Err(); err != nil {
			if !q.ins.Tolerant {
				return nil, err
			}
			partial = true
			t.logger.WithError(err).WithField("rows", len(matched)).Warn("history unreadable, returning partial result")
		}
	}

	rows := q.finish(matched)
	if !partial {
		t.cache.CacheQueryAt(t.id, key, v.gen, rows)
	}
	return &Result{rows: rows, partial: partial}, nil
}

// Delete removes the current-block rows the query selects and returns how
// many were removed. Rows in sealed blocks are immutable and count zero.
func (q *Query) Delete(ctx context.Context) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	t := q.t
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := q.checkSearch(t.def); err != nil {
		return 0, err
	}
	targets := q.targets()
	if len(targets) == 0 {
		return 0, nil
	}

	next := t.current.Clone()
	kept := next.Records[:0]
	for _, r := range next.Records {
		if _, drop := targets[r.UID()]; !drop {
			kept = append(kept, r)
		}
	}
	next.Records = kept
	if err := next.Refresh(t.def); err != nil {
		return 0, err
	}
	if _, err := t.commit(ctx, next, t.seq, false); err != nil {
		return 0, err
	}
	t.logger.WithField("rows", len(targets)).Debug("rows deleted")
	return len(targets), nil
}

// Update applies fn to every current-block row the query selects. System
// fields are kept and updatedAt is restamped. The whole update is rejected if
// fn fails or a changed row breaks validation or a unique index.
func (q *Query) Update(ctx context.Context, fn func(types.Row) (types.Row, error)) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	t := q.t
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := q.checkSearch(t.def); err != nil {
		return 0, err
	}
	targets := q.targets()
	if len(targets) == 0 {
		return 0, nil
	}

	now := t.now().UnixMilli()
	next := t.current.Clone()
	for i, r := range next.Records {
		if _, ok := targets[r.UID()]; !ok {
			continue
		}
		out, err := fn(r.Clone())
		if err != nil {
			return 0, err
		}
		updated := types.Row{Fields: []types.Field{
			{Name: types.FieldID, Value: r.ID()},
			{Name: types.FieldUID, Value: r.UID()},
			{Name: types.FieldCreatedAt, Value: r.CreatedAt()},
			{Name: types.FieldUpdatedAt, Value: now},
		}}
		for _, f := range out.Fields {
			if !types.IsSystemField(f.Name) {
				updated.Fields = append(updated.Fields, f)
			}
		}
		if err := t.check(updated); err != nil {
			return 0, err
		}
		next.Records[i] = updated
	}
	if err := next.Refresh(t.def); err != nil {
		return 0, err
	}
	if _, err := t.commit(ctx, next, t.seq, false); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// targets returns the uids of the current-block rows in scope. Callers hold writeMu.
func (q *Query) targets() map[string]struct{} {
	rows := q.finish(q.scan(q.t.def, q.t.current, nil))
	out := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		out[r.UID()] = struct{}{}
	}
	return out
}

func (q *Query) checkSearch(def types.TableDefinition) error {
	if q.ins.Search != "" && len(def.SearchOptions) == 0 {
		return dberrors.NewQueryError(dberrors.CodeInvalidQuery,
			fmt.Sprintf("table %s has no search fields", q.t.id))
	}
	return nil
}

func (q *Query) cacheKey() (string, error) {
	s, err := codec.CanonicalJSON(q.ins)
	if err != nil {
		return "", err
	}
	return q.t.id + "\x00" + s, nil
}

// scan appends the rows of b that satisfy every condition, in record order.
// An equality condition on an indexed field narrows the candidates through
// the block's index when the block carries it.
func (q *Query) scan(def types.TableDefinition, b *block.Block, out []types.Row) []types.Row {
	candidates := b.Records
	if ids, ok := q.indexed(def, b); ok {
		if len(ids) == 0 {
			return out
		}
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		candidates = make([]types.Row, 0, len(ids))
		for _, r := range b.Records {
			if _, hit := set[r.ID()]; hit {
				candidates = append(candidates, r)
			}
		}
	}

	for _, r := range candidates {
		if q.matches(def, r) {
			out = append(out, r)
		}
	}
	return out
}

func (q *Query) indexed(def types.TableDefinition, b *block.Block) ([]int64, bool) {
	for _, c := range q.ins.Where {
		if c.Op != OpEq {
			continue
		}
		name, ok := def.IndexFor(c.Field)
		if !ok {
			continue
		}
		key, err := block.Key(c.Value)
		if err != nil {
			continue
		}
		if ids, ok := b.Lookup(name, key); ok {
			return ids, true
		}
	}
	return nil, false
}

func (q *Query) matches(def types.TableDefinition, r types.Row) bool {
	for _, c := range q.ins.Where {
		if !c.Matches(r) {
			return false
		}
	}
	if q.ins.Search != "" && !block.MatchesSearch(r, def.SearchOptions, q.ins.Search) {
		return false
	}
	return true
}

// finish sorts, pages and projects the matched rows. The returned rows are
// copies, never the stored ones.
func (q *Query) finish(rows []types.Row) []types.Row {
	if len(q.ins.Order) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.ins.Order {
				a, _ := rows[i].Get(o.Field)
				b, _ := rows[j].Get(o.Field)
				cmp := types.Compare(a, b)
				if cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if q.ins.Offset > 0 {
		if q.ins.Offset >= len(rows) {
			return []types.Row{}
		}
		rows = rows[q.ins.Offset:]
	}
	if q.ins.Limit > 0 && q.ins.Limit < len(rows) {
		rows = rows[:q.ins.Limit]
	}

	out := make([]types.Row, len(rows))
	if len(q.ins.Select) == 0 {
		for i, r := range rows {
			out[i] = r.Clone()
		}
		return out
	}
	for i, r := range rows {
		p := types.Row{Fields: make([]types.Field, 0, len(q.ins.Select))}
		for _, f := range q.ins.Select {
			if v, ok := r.Get(f); ok {
				p.Fields = append(p.Fields, types.Field{Name: f, Value: v})
			}
		}
		out[i] = p.Clone()
	}
	return out
}

// Matches reports whether r satisfies the condition. A missing field only
// satisfies "!=".
func (c Condition) Matches(r types.Row) bool {
	v, ok := r.Get(c.Field)
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return types.Equal(v, c.Value)
	case OpNe:
		return !types.Equal(v, c.Value)
	case OpIn:
		list, _ := c.Value.([]interface{})
		for _, item := range list {
			if types.Equal(v, item) {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		if !ordered(v, c.Value) {
			return false
		}
		cmp := types.Compare(v, c.Value)
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpContains:
		switch val := v.(type) {
		case string:
			s, ok := c.Value.(string)
			return ok && strings.Contains(strings.ToLower(val), strings.ToLower(s))
		case []interface{}:
			for _, item := range val {
				if types.Equal(item, c.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

// ordered reports whether range operators apply: both numbers or both strings.
func ordered(a, b interface{}) bool {
	_, an := types.ToFloat(a)
	_, bn := types.ToFloat(b)
	if an && bn {
		return true
	}
	_, as := a.(string)
	_, bs := b.(string)
	return as && bs
}

// record feeds the field usage tracker and notes equality filters on fields
// no index covers.
func (t *Table) record(def types.TableDefinition, ins instructions) {
	for _, c := range ins.Where {
		t.stats.RecordPredicate(c.Field, c.Op)
		if c.Op == OpEq {
			if _, ok := def.IndexFor(c.Field); !ok {
				t.logger.WithFields(logrus.Fields{"field": c.Field}).Debug("equality filter on unindexed field")
			}
		}
	}
	for _, o := range ins.Order {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		t.stats.RecordOrderBy(o.Field, dir)
	}
}
