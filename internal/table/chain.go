package table

import (
	"context"
	"fmt"

	"github.com/merkledb/merkledb/internal/aggregate"
	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cid"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// ChainIterator walks sealed blocks from a head back to the first block,
// loading each through the cache or the DAG.
type ChainIterator struct {
	t    *Table
	next cid.CID
	id   cid.CID
	cur  *block.Block
	err  error
}

// Blocks returns an iterator over the sealed blocks, newest first.
func (t *Table) Blocks() *ChainIterator {
	return t.chain(t.Head())
}

func (t *Table) chain(head cid.CID) *ChainIterator {
	return &ChainIterator{t: t, next: head}
}

// Next loads the next block. It returns false at the end of the chain or on error.
func (it *ChainIterator) Next(ctx context.Context) bool {
	if it.err != nil || it.next.IsUndef() {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = dberrors.NewStorageError(dberrors.CodeLoadFailed, "chain walk cancelled", err)
		return false
	}
	b, err := it.t.loadBlock(ctx, it.next)
	if err != nil {
		it.err = err
		return false
	}
	prev, err := b.PreviousCID()
	if err != nil {
		it.err = dberrors.NewStorageError(dberrors.CodeCorruptBlock,
			fmt.Sprintf("block %s has a bad previous pointer", it.next), err)
		return false
	}
	it.id, it.cur, it.next = it.next, b, prev
	return true
}

// Block returns the block loaded by the last call to Next. It is shared and
// must not be modified.
func (it *ChainIterator) Block() *block.Block { return it.cur }

// CID returns the CID of the current block.
func (it *ChainIterator) CID() cid.CID { return it.id }

// Err returns the error that stopped the walk, if any.
func (it *ChainIterator) Err() error { return it.err }

// FindByIndex returns every row whose key in the named index equals key,
// current block first. Blocks sealed before the index existed are scanned
// instead, with a warning.
func (t *Table) FindByIndex(ctx context.Context, index string, key ...interface{}) (*Result, error) {
	v := t.view()
	spec, ok := v.def.Indexes[index]
	if !ok {
		return nil, dberrors.NewNotFoundError(dberrors.CodeIndexNotFound,
			fmt.Sprintf("table %s has no index %q", t.id, index))
	}
	if len(key) != len(spec.Fields) {
		return nil, dberrors.NewQueryError(dberrors.CodeInvalidQuery,
			fmt.Sprintf("index %q takes %d key values, got %d", index, len(spec.Fields), len(key)))
	}
	k, err := block.Key(key...)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.ErrCategoryQuery, dberrors.CodeInvalidQuery, "index key", err)
	}
	t.metrics.Query(t.id)

	rows := t.lookup(v.current, index, spec, k, nil, cid.Undef)
	it := t.chain(v.head)
	for it.Next(ctx) {
		rows = t.lookup(it.Block(), index, spec, k, rows, it.CID())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i] = rows[i].Clone()
	}
	return &Result{rows: rows}, nil
}

func (t *Table) lookup(b *block.Block, index string, spec types.IndexDef, key string, out []types.Row, id cid.CID) []types.Row {
	ids, ok := b.Lookup(index, key)
	if !ok {
		t.logger.WithField("index", index).WithField("block", id.String()).Warn("block has no such index, scanning records")
		for _, r := range b.Records {
			if k, ok := block.RowKey(r, spec.Fields); ok && k == key {
				out = append(out, r)
			}
		}
		return out
	}
	for _, want := range ids {
		if pos, ok := b.IndexOfID(want); ok {
			out = append(out, b.Records[pos])
		}
	}
	return out
}

// Aggregate combines the per-block reductions of field across the current
// block and the whole chain. Blocks sealed under a different reduction are
// recomputed from their records.
func (t *Table) Aggregate(ctx context.Context, field string) (interface{}, error) {
	v := t.view()
	op, ok := v.def.Aggregate[field]
	if !ok {
		return nil, dberrors.NewQueryError(dberrors.CodeInvalidQuery,
			fmt.Sprintf("table %s keeps no aggregate on %q", t.id, field))
	}

	acc := aggregate.Compute(v.current.Records, field, op)
	it := t.chain(v.head)
	for it.Next(ctx) {
		b := it.Block()
		p, ok := b.Filters.Aggregates[field]
		if !ok || p.Op != op {
			p = aggregate.Compute(b.Records, field, op)
		}
		if err := acc.Merge(p); err != nil {
			return nil, dberrors.NewInternalError("merge aggregate", err)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return acc.Result(), nil
}
