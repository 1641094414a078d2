// Package block implements the durable unit of a table: a batch of rows with
// derived indexes, aggregates and a search filter, chained to its predecessor
// by CID.
package block

import (
	"bytes"
	"fmt"

	"github.com/merkledb/merkledb/internal/aggregate"
	"github.com/merkledb/merkledb/internal/bloom"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// Headers carries the chain pointer and summary of a block.
type Headers struct {
	// Previous is the CID of the previous sealed block, "" for the first one
	Previous string `codec:"previous" json:"previous"`

	// Timestamp is the largest updatedAt among the records, in epoch millis
	Timestamp int64 `codec:"timestamp" json:"timestamp"`

	// Count is the number of records
	Count int `codec:"count" json:"count"`
}

// Filters holds everything derived from the records.
type Filters struct {
	// Indexes maps index name to key to row ids
	Indexes map[string]map[string][]int64 `codec:"indexes" json:"indexes"`

	// Aggregates maps field name to the block-local reduction
	Aggregates map[string]*aggregate.Partial `codec:"aggregates" json:"aggregates"`

	// Search is the bloom filter over the search field tokens, nil if the table has none
	Search *bloom.Filter `codec:"search" json:"-"`
}

// Block is an ordered batch of rows. Once sealed its encoding is hashed into a
// CID and it never changes again.
type Block struct {
	Records []types.Row `codec:"records" json:"records"`
	Headers Headers     `codec:"headers" json:"headers"`
	Filters Filters     `codec:"filters" json:"filters"`
}

// New returns an empty current block chained after previous.
func New(previous cid.CID) *Block {
	return &Block{
		Records: []types.Row{},
		Headers: Headers{Previous: previous.String()},
	}
}

// Seal builds a block from rows. It is a pure function of its inputs: the
// timestamp comes from the rows, never from the clock, so sealing identical
// inputs yields identical bytes and CIDs.
func Seal(rows []types.Row, previous cid.CID, def types.TableDefinition) (*Block, error) {
	records := make([]types.Row, len(rows))
	copy(records, rows)

	b := &Block{
		Records: records,
		Headers: Headers{Previous: previous.String()},
	}
	if err := b.Refresh(def); err != nil {
		return nil, err
	}
	return b, nil
}

// Refresh re-derives headers count and timestamp and all filters from the records.
func (b *Block) Refresh(def types.TableDefinition) error {
	indexes, err := BuildIndexes(b.Records, def.Indexes)
	if err != nil {
		return err
	}
	b.Filters = Filters{
		Indexes:    indexes,
		Aggregates: BuildAggregates(b.Records, def.Aggregate),
		Search:     BuildSearch(b.Records, def.SearchOptions),
	}
	b.Headers.Count = len(b.Records)
	b.Headers.Timestamp = 0
	for _, r := range b.Records {
		if ts := r.UpdatedAt(); ts > b.Headers.Timestamp {
			b.Headers.Timestamp = ts
		}
	}
	return nil
}

// BuildAggregates reduces each configured field over the block's own rows.
func BuildAggregates(rows []types.Row, specs map[string]types.AggregateOp) map[string]*aggregate.Partial {
	return aggregate.Build(rows, specs)
}

// PreviousCID parses the back pointer.
func (b *Block) PreviousCID() (cid.CID, error) {
	return cid.Parse(b.Headers.Previous)
}

// Len returns the number of records.
func (b *Block) Len() int {
	return len(b.Records)
}

// Clone returns a copy whose record slice and filters can be replaced without
// affecting b. Rows themselves are shared; callers clone a row before changing it.
func (b *Block) Clone() *Block {
	cp := &Block{
		Records: make([]types.Row, len(b.Records)),
		Headers: b.Headers,
		Filters: b.Filters,
	}
	copy(cp.Records, b.Records)
	return cp
}

// IndexOfID returns the position of the row with the given id.
func (b *Block) IndexOfID(id int64) (int, bool) {
	for i, r := range b.Records {
		if r.ID() == id {
			return i, true
		}
	}
	return -1, false
}

// Lookup returns the ids stored under key in the named index. ok is false when
// the block carries no such index.
func (b *Block) Lookup(index, key string) (ids []int64, ok bool) {
	idx, ok := b.Filters.Indexes[index]
	if !ok {
		return nil, false
	}
	return idx[key], true
}

// Encode returns the envelope bytes of b.
func (b *Block) Encode() ([]byte, error) {
	return codec.Encode(codec.KindBlock, b)
}

// CID encodes b and returns its CID along with the bytes that hash to it.
func (b *Block) CID() (cid.CID, []byte, error) {
	data, err := b.Encode()
	if err != nil {
		return cid.Undef, nil, err
	}
	return cid.Sum(data), data, nil
}

// Decode parses envelope bytes into a block.
func Decode(data []byte) (*Block, error) {
	var b Block
	if err := codec.Decode(data, codec.KindBlock, &b); err != nil {
		return nil, dberrors.NewStorageError(dberrors.CodeCorruptBlock, "decode block", err)
	}
	if b.Records == nil {
		b.Records = []types.Row{}
	}
	return &b, nil
}

// Verify re-derives the filters of b under def and checks they match what
// the block carries.
func Verify(b *Block, def types.TableDefinition) error {
	rebuilt, err := Seal(b.Records, cid.Undef, def)
	if err != nil {
		return err
	}
	rebuilt.Headers.Previous = b.Headers.Previous

	want, err := rebuilt.Encode()
	if err != nil {
		return err
	}
	got, err := b.Encode()
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return dberrors.NewStorageError(dberrors.CodeCorruptBlock,
			fmt.Sprintf("block with %d records does not match its derived filters", len(b.Records)), nil)
	}
	return nil
}
