package table

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/block"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// BulkResult reports the outcome of a bulk insert. Row failures are part of
// the normal outcome, keyed by the uid the row was given. A uid already used
// by an earlier row of the batch is keyed "<uid>#<position>" instead.
type BulkResult struct {
	Saved  []string          `json:"saved"`
	Errors map[string]string `json:"errors"`
}

// Matcher selects the row an upsert targets: either by id or by the key of a
// named index.
type Matcher struct {
	ID    int64         `json:"id,omitempty"`
	Index string        `json:"index,omitempty"`
	Key   []interface{} `json:"key,omitempty"`
}

// MatchID matches the row with the given id.
func MatchID(id int64) Matcher { return Matcher{ID: id} }

// MatchIndex matches the row whose key in the named index equals values.
func MatchIndex(index string, values ...interface{}) Matcher {
	return Matcher{Index: index, Key: values}
}

// Insert assigns system fields to partial, checks it and appends it to the
// current block, sealing the block if it reaches the rollup threshold. Either
// the row and any resulting seal are fully applied or nothing is.
func (t *Table) Insert(ctx context.Context, partial types.Row) (types.Row, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	now := t.now().UnixMilli()
	row, err := t.prepare(partial, t.seq+1, now)
	if err != nil {
		return types.Row{}, err
	}

	next := t.current.Clone()
	next.Records = append(next.Records, row)
	if err := next.Refresh(t.def); err != nil {
		return types.Row{}, err
	}
	if _, err := t.commit(ctx, next, t.seq+1, false); err != nil {
		return types.Row{}, err
	}
	t.metrics.RowsWritten(t.id, 1)
	return row.Clone(), nil
}

// BulkInsert inserts rows independently. A row that fails validation or a
// unique index is reported in Errors and the rest continue. The rollup check
// runs once after the whole batch, so a batch is never split across blocks.
// A storage fault while sealing fails the call and applies nothing.
func (t *Table) BulkInsert(ctx context.Context, rows []types.Row) (BulkResult, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	result := BulkResult{Saved: []string{}, Errors: map[string]string{}}
	now := t.now().UnixMilli()
	seq := t.seq
	next := t.current.Clone()
	unique := newUniqueSet(t.def, next.Records)
	seen := make(map[string]struct{}, len(rows))
	fail := func(i int, uid string, err error) {
		key := uid
		if _, dup := seen[uid]; dup {
			key = fmt.Sprintf("%s#%d", uid, i)
		}
		seen[uid] = struct{}{}
		result.Errors[key] = err.Error()
	}

	for i, partial := range rows {
		row, err := t.prepare(partial, seq+1, now)
		if err != nil {
			fail(i, row.UID(), err)
			continue
		}
		if _, dup := seen[row.UID()]; dup {
			fail(i, row.UID(), dberrors.NewValidationError(dberrors.CodeDuplicateUID,
				fmt.Sprintf("uid %s appears earlier in the batch", row.UID())))
			continue
		}
		if err := unique.check(row); err != nil {
			fail(i, row.UID(), err)
			continue
		}
		seen[row.UID()] = struct{}{}
		unique.add(row)
		seq++
		next.Records = append(next.Records, row)
		result.Saved = append(result.Saved, row.UID())
	}

	if len(result.Saved) == 0 {
		return result, nil
	}
	if err := next.Refresh(t.def); err != nil {
		return BulkResult{}, err
	}
	if _, err := t.commit(ctx, next, seq, false); err != nil {
		return BulkResult{}, err
	}
	t.metrics.RowsWritten(t.id, len(result.Saved))
	if len(result.Errors) > 0 {
		t.logger.WithFields(logrus.Fields{"saved": len(result.Saved), "failed": len(result.Errors)}).Debug("bulk insert partially applied")
	}
	return result, nil
}

// Upsert patches the current-block row selected by m, restamping updatedAt,
// or inserts patch when no current-block row matches. Rows in sealed blocks
// are never matched.
func (t *Table) Upsert(ctx context.Context, m Matcher, patch types.Row) (types.Row, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	pos, err := t.match(m)
	if err != nil {
		return types.Row{}, err
	}
	now := t.now().UnixMilli()

	if pos < 0 {
		insert := patch.Clone()
		if m.Index != "" {
			for i, f := range t.def.Indexes[m.Index].Fields {
				if !insert.Has(f) && i < len(m.Key) {
					if err := insert.Set(f, m.Key[i]); err != nil {
						return types.Row{}, dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidRow, "upsert key", err)
					}
				}
			}
		}
		row, err := t.prepare(insert, t.seq+1, now)
		if err != nil {
			return types.Row{}, err
		}
		next := t.current.Clone()
		next.Records = append(next.Records, row)
		if err := next.Refresh(t.def); err != nil {
			return types.Row{}, err
		}
		if _, err := t.commit(ctx, next, t.seq+1, false); err != nil {
			return types.Row{}, err
		}
		t.metrics.RowsWritten(t.id, 1)
		return row.Clone(), nil
	}

	next := t.current.Clone()
	updated := next.Records[pos].Clone()
	for _, f := range patch.Fields {
		if types.IsSystemField(f.Name) {
			continue
		}
		if err := updated.Set(f.Name, f.Value); err != nil {
			return types.Row{}, dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidRow, "upsert patch", err)
		}
	}
	if err := updated.Set(types.FieldUpdatedAt, now); err != nil {
		return types.Row{}, dberrors.NewInternalError("stamp row", err)
	}
	if err := t.check(updated); err != nil {
		return types.Row{}, err
	}
	next.Records[pos] = updated
	if err := next.Refresh(t.def); err != nil {
		return types.Row{}, err
	}
	if _, err := t.commit(ctx, next, t.seq, false); err != nil {
		return types.Row{}, err
	}
	t.metrics.RowsWritten(t.id, 1)
	return updated.Clone(), nil
}

// match returns the position of the current-block row selected by m, or -1.
func (t *Table) match(m Matcher) (int, error) {
	if m.Index == "" {
		if m.ID <= 0 {
			return -1, nil
		}
		pos, _ := t.current.IndexOfID(m.ID)
		return pos, nil
	}

	spec, ok := t.def.Indexes[m.Index]
	if !ok {
		return -1, dberrors.NewNotFoundError(dberrors.CodeIndexNotFound,
			fmt.Sprintf("table %s has no index %q", t.id, m.Index))
	}
	if len(m.Key) != len(spec.Fields) {
		return -1, dberrors.NewQueryError(dberrors.CodeInvalidQuery,
			fmt.Sprintf("index %q takes %d key values, got %d", m.Index, len(spec.Fields), len(m.Key)))
	}
	key, err := block.Key(m.Key...)
	if err != nil {
		return -1, dberrors.Wrap(dberrors.ErrCategoryQuery, dberrors.CodeInvalidQuery, "index key", err)
	}
	for i, r := range t.current.Records {
		if k, ok := block.RowKey(r, spec.Fields); ok && k == key {
			return i, nil
		}
	}
	return -1, nil
}

// prepare builds the stored form of partial: system fields first, then the
// caller's fields in their original order. A uid or createdAt already on the
// row is kept so rows can be re-inserted without changing identity.
// The returned row carries its uid even when an error is returned.
func (t *Table) prepare(partial types.Row, id, now int64) (types.Row, error) {
	uid := partial.UID()
	if uid == "" {
		uid = t.newUID()
	}
	created := partial.CreatedAt()
	if created <= 0 {
		created = now
	}

	row := types.Row{Fields: make([]types.Field, 0, partial.Len()+4)}
	row.Fields = append(row.Fields,
		types.Field{Name: types.FieldID, Value: id},
		types.Field{Name: types.FieldUID, Value: uid},
		types.Field{Name: types.FieldCreatedAt, Value: created},
		types.Field{Name: types.FieldUpdatedAt, Value: now},
	)
	for _, f := range partial.Clone().Fields {
		if types.IsSystemField(f.Name) {
			continue
		}
		row.Fields = append(row.Fields, f)
	}

	if err := t.check(row); err != nil {
		return row, err
	}
	return row, nil
}

// check runs the validator on strict tables.
func (t *Table) check(row types.Row) error {
	if !t.def.Strict || t.validator == nil {
		return nil
	}
	err := t.validator.Validate(t.def.SchemaID, t.def.SchemaVersion, row)
	if err == nil {
		return nil
	}
	if dberrors.GetCategory(err) == "" {
		return dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidRow,
			fmt.Sprintf("row %s rejected", row.UID()), err)
	}
	return err
}

// uniqueSet tracks the keys of every unique index over a growing row set so a
// batch can be checked row by row.
type uniqueSet struct {
	specs map[string]types.IndexDef
	keys  map[string]map[string]string
}

func newUniqueSet(def types.TableDefinition, rows []types.Row) *uniqueSet {
	u := &uniqueSet{specs: map[string]types.IndexDef{}, keys: map[string]map[string]string{}}
	for name, spec := range def.Indexes {
		if spec.Unique {
			u.specs[name] = spec
			u.keys[name] = map[string]string{}
		}
	}
	for _, r := range rows {
		u.add(r)
	}
	return u
}

func (u *uniqueSet) check(row types.Row) error {
	for _, name := range sortedNames(u.specs) {
		key, ok := block.RowKey(row, u.specs[name].Fields)
		if !ok {
			continue
		}
		if owner, taken := u.keys[name][key]; taken {
			return dberrors.NewConstraintViolation(name, key, owner)
		}
	}
	return nil
}

func (u *uniqueSet) add(row types.Row) {
	for name, spec := range u.specs {
		if key, ok := block.RowKey(row, spec.Fields); ok {
			u.keys[name][key] = row.UID()
		}
	}
}

func sortedNames(specs map[string]types.IndexDef) []string {
	return types.TableDefinition{Indexes: specs}.IndexNames()
}
