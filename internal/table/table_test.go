package table

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cache"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/events"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// faultyDAG wraps a memory store and fails on demand.
type faultyDAG struct {
	*dag.MemoryStore
	failStore atomic.Bool
	failLoad  atomic.Bool
	loads     atomic.Int64
}

func newFaultyDAG() *faultyDAG {
	return &faultyDAG{MemoryStore: dag.NewMemoryStore()}
}

func (f *faultyDAG) Store(ctx context.Context, data []byte) (cid.CID, error) {
	if f.failStore.Load() {
		return cid.Undef, errors.New("disk full")
	}
	return f.MemoryStore.Store(ctx, data)
}

func (f *faultyDAG) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	f.loads.Add(1)
	if f.failLoad.Load() {
		return nil, errors.New("peer unreachable")
	}
	return f.MemoryStore.Load(ctx, id)
}

func peopleDef() types.TableDefinition {
	return types.TableDefinition{
		SchemaID: "people",
		Rollup:   10,
		Indexes: map[string]types.IndexDef{
			"name": {Fields: []string{"name"}, Unique: true},
			"team": {Fields: []string{"team"}},
		},
		Aggregate: map[string]types.AggregateOp{
			"count": types.AggSum,
		},
		SearchOptions: []string{"bio"},
	}
}

func clock() func() time.Time {
	var n atomic.Int64
	base := time.UnixMilli(1700000000000)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func newTable(t *testing.T, def types.TableDefinition) (*Table, *faultyDAG) {
	t.Helper()
	d := newFaultyDAG()
	tbl, err := New("people", def, Options{DAG: d, Cache: cache.New(cache.Options{}), Now: clock()})
	require.NoError(t, err)
	return tbl, d
}

func person(i int) types.Row {
	return types.NewRow(
		"name", fmt.Sprintf("user-%02d", i),
		"team", []string{"red", "blue", "green"}[i%3],
		"count", int64(i),
		"bio", fmt.Sprintf("writes go and rust, member %d", i),
	)
}

func insertN(t *testing.T, tbl *Table, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := tbl.Insert(context.Background(), person(i))
		require.NoError(t, err)
	}
}

func TestNew_RejectsBadDefinition(t *testing.T) {
	_, err := New("people", types.TableDefinition{}, Options{DAG: dag.NewMemoryStore()})
	require.Error(t, err)
	assert.True(t, dberrors.IsValidation(err))

	tbl, err := New("people", types.TableDefinition{}, Options{DAG: dag.NewMemoryStore(), DefaultRollup: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, tbl.Definition().Rollup)

	_, err = New("people", peopleDef(), Options{})
	assert.Error(t, err)
}

func TestInsert_AssignsSystemFields(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	ctx := context.Background()

	a, err := tbl.Insert(ctx, person(0))
	require.NoError(t, err)
	b, err := tbl.Insert(ctx, person(1))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID())
	assert.Equal(t, int64(2), b.ID())
	assert.NotEmpty(t, a.UID())
	assert.NotEqual(t, a.UID(), b.UID())
	assert.Positive(t, a.CreatedAt())
	assert.Equal(t, a.CreatedAt(), a.UpdatedAt())
	assert.Equal(t, []string{"id", "uid", "createdAt", "updatedAt", "name", "team", "count", "bio"}, a.Keys())
}

func TestInsert_KeepsGivenUID(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	in := person(0)
	require.NoError(t, in.Set(types.FieldUID, "fixed-uid"))
	require.NoError(t, in.Set(types.FieldID, int64(999)))

	row, err := tbl.Insert(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "fixed-uid", row.UID())
	assert.Equal(t, int64(1), row.ID(), "ids are always assigned by the table")
}

func TestRollupBoundary(t *testing.T) {
	tbl, d := newTable(t, peopleDef())

	insertN(t, tbl, 0, 9)
	assert.True(t, tbl.Head().IsUndef(), "rollup-1 rows never seal")
	assert.Equal(t, 9, tbl.Current().Len())
	assert.Zero(t, d.Len())

	insertN(t, tbl, 9, 10)
	assert.False(t, tbl.Head().IsUndef())
	assert.Equal(t, 0, tbl.Current().Len())
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, tbl.Head().String(), tbl.Current().Headers.Previous)

	data, err := d.MemoryStore.Load(context.Background(), tbl.Head())
	require.NoError(t, err)
	sealed, err := block.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 10, sealed.Headers.Count)
	assert.Empty(t, sealed.Headers.Previous)
	require.NoError(t, block.Verify(sealed, tbl.Definition()))
}

func TestUniqueness_CurrentBlockOnly(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	ctx := context.Background()

	first, err := tbl.Insert(ctx, types.NewRow("name", "a"))
	require.NoError(t, err)

	_, err = tbl.Insert(ctx, types.NewRow("name", "a"))
	require.Error(t, err)
	assert.True(t, dberrors.IsConstraint(err))
	index, _ := dberrors.GetDetail(err, "index")
	uid, _ := dberrors.GetDetail(err, "uid")
	assert.Equal(t, "name", index)
	assert.Equal(t, first.UID(), uid)
	assert.Equal(t, 1, tbl.Current().Len(), "rejected row leaves the block untouched")

	insertN(t, tbl, 1, 10)
	require.False(t, tbl.Head().IsUndef())

	_, err = tbl.Insert(ctx, types.NewRow("name", "a"))
	assert.NoError(t, err, "sealed blocks are not re-checked")
}

func TestBulkInsert_PartialFailure(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())

	res, err := tbl.BulkInsert(context.Background(), []types.Row{
		types.NewRow("name", "a"),
		types.NewRow("name", "a"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Saved, 1)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 1, tbl.Current().Len())
	for uid, msg := range res.Errors {
		assert.NotEqual(t, res.Saved[0], uid)
		assert.Contains(t, msg, "UNIQUE_VIOLATION")
	}
}

func TestUniqueness_DistinguishesTypes(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	ctx := context.Background()

	for _, v := range []interface{}{"1", int64(1), "null", nil, "true", true} {
		_, err := tbl.Insert(ctx, types.NewRow("name", v))
		require.NoError(t, err, "name %#v", v)
	}
	_, err := tbl.Insert(ctx, types.NewRow("name", 1.0))
	assert.True(t, dberrors.IsConstraint(err), "1.0 and 1 are the same number")
	_, err = tbl.Insert(ctx, types.NewRow("name", "1"))
	assert.True(t, dberrors.IsConstraint(err))

	res, err := tbl.FindByIndex(ctx, "name", "1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	name, _ := res.All()[0].Get("name")
	assert.Equal(t, "1", name)
}

func TestInsert_ReturnsCopy(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	ctx := context.Background()

	row, err := tbl.Insert(ctx, types.NewRow("name", "alice"))
	require.NoError(t, err)
	require.NoError(t, row.Set("name", "mallory"))

	up, err := tbl.Upsert(ctx, MatchIndex("name", "alice"), types.NewRow("team", "red"))
	require.NoError(t, err)
	require.NoError(t, up.Set("team", "mallory"))

	stored := tbl.Current().Records[0]
	name, _ := stored.Get("name")
	team, _ := stored.Get("team")
	assert.Equal(t, "alice", name)
	assert.Equal(t, "red", team)

	res, err := tbl.FindByIndex(ctx, "name", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Len())
	res, err = tbl.FindByIndex(ctx, "name", "mallory")
	require.NoError(t, err)
	assert.Zero(t, res.Len())
}

func TestBulkInsert_RepeatedUID(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())

	res, err := tbl.BulkInsert(context.Background(), []types.Row{
		types.NewRow("uid", "u-1", "name", "a"),
		types.NewRow("uid", "u-2", "name", "a"),
		types.NewRow("uid", "u-2", "name", "b"),
		types.NewRow("uid", "u-1", "name", "c"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1"}, res.Saved)
	require.Len(t, res.Errors, 3, "every failed row is reported")
	assert.Contains(t, res.Errors["u-2"], "UNIQUE_VIOLATION")
	assert.Contains(t, res.Errors["u-2#2"], "DUPLICATE_UID")
	assert.Contains(t, res.Errors["u-1#3"], "DUPLICATE_UID")
	assert.Equal(t, 1, tbl.Current().Len())
}

func TestBulkInsert_SealsOnce(t *testing.T) {
	tbl, d := newTable(t, peopleDef())
	insertN(t, tbl, 0, 8)

	rows := make([]types.Row, 5)
	for i := range rows {
		rows[i] = person(8 + i)
	}
	res, err := tbl.BulkInsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Len(t, res.Saved, 5)

	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 0, tbl.Current().Len())

	it := tbl.Blocks()
	require.True(t, it.Next(context.Background()))
	assert.Equal(t, 13, it.Block().Len(), "a batch is never split across blocks")
	assert.False(t, it.Next(context.Background()))
	require.NoError(t, it.Err())
}

func TestBulkInsert_IDsStayDense(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	_, err := tbl.BulkInsert(context.Background(), []types.Row{
		types.NewRow("name", "a"), types.NewRow("name", "a"), types.NewRow("name", "b"),
	})
	require.NoError(t, err)
	recs := tbl.Current().Records
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].ID())
	assert.Equal(t, int64(2), recs[1].ID())
}

func TestStorageFault_LeavesLastGoodState(t *testing.T) {
	tbl, d := newTable(t, peopleDef())
	insertN(t, tbl, 0, 9)

	d.failStore.Store(true)
	_, err := tbl.Insert(context.Background(), person(9))
	require.Error(t, err)
	assert.True(t, dberrors.IsStorage(err))
	assert.True(t, dberrors.IsRetryable(err))
	assert.True(t, tbl.Head().IsUndef(), "failed seal must not advance the head")
	assert.Equal(t, 9, tbl.Current().Len())

	_, err = tbl.BulkInsert(context.Background(), []types.Row{person(9), person(10)})
	require.Error(t, err)
	assert.Equal(t, 9, tbl.Current().Len())

	d.failStore.Store(false)
	row, err := tbl.Insert(context.Background(), person(9))
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.ID())
	assert.False(t, tbl.Head().IsUndef())
}

func TestUpsert(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	ctx := context.Background()

	orig, err := tbl.Insert(ctx, types.NewRow("name", "a", "count", int64(1)))
	require.NoError(t, err)

	updated, err := tbl.Upsert(ctx, MatchIndex("name", "a"), types.NewRow("count", int64(5), "id", int64(77)))
	require.NoError(t, err)
	assert.Equal(t, orig.ID(), updated.ID())
	assert.Equal(t, orig.UID(), updated.UID())
	assert.Greater(t, updated.UpdatedAt(), orig.UpdatedAt())
	count, _ := updated.Get("count")
	assert.Equal(t, int64(5), count)
	assert.Equal(t, 1, tbl.Current().Len())
	assert.Equal(t, int64(5), tbl.Current().Filters.Aggregates["count"].Result())

	byID, err := tbl.Upsert(ctx, MatchID(orig.ID()), types.NewRow("team", "red"))
	require.NoError(t, err)
	team, _ := byID.Get("team")
	assert.Equal(t, "red", team)

	inserted, err := tbl.Upsert(ctx, MatchIndex("name", "b"), types.NewRow("count", int64(2)))
	require.NoError(t, err)
	name, _ := inserted.Get("name")
	assert.Equal(t, "b", name, "key fields are filled from the matcher")
	assert.Equal(t, 2, tbl.Current().Len())

	_, err = tbl.Upsert(ctx, MatchIndex("name", "b"), types.NewRow("name", "a"))
	assert.True(t, dberrors.IsConstraint(err))

	_, err = tbl.Upsert(ctx, MatchIndex("missing", "x"), types.Row{})
	assert.True(t, dberrors.IsNotFound(err))
}

func TestUpsert_SealedRowsAreNotMatched(t *testing.T) {
	tbl, _ := newTable(t, peopleDef())
	insertN(t, tbl, 0, 10)

	row, err := tbl.Upsert(context.Background(), MatchIndex("name", "user-00"), types.NewRow("count", int64(100)))
	require.NoError(t, err)
	assert.Equal(t, int64(11), row.ID(), "a sealed match is ignored and the patch inserted")
}

func TestSetDefs_AffectsOnlyNewBlocks(t *testing.T) {
	def := peopleDef()
	def.Indexes = nil
	tbl, _ := newTable(t, def)
	insertN(t, tbl, 0, 10)

	require.NoError(t, tbl.SetDefs(peopleDef()))
	insertN(t, tbl, 10, 12)

	it := tbl.Blocks()
	require.True(t, it.Next(context.Background()))
	assert.Nil(t, it.Block().Filters.Indexes, "historical block keeps its filters")
	assert.Contains(t, tbl.Current().Filters.Indexes, "name")

	dup := peopleDef()
	dup.Indexes["team"] = types.IndexDef{Fields: []string{"team"}, Unique: true}
	_, err := tbl.Insert(context.Background(), types.NewRow("name", "x", "team", "blue"))
	require.NoError(t, err)
	err = tbl.SetDefs(dup)
	require.Error(t, err, "current rows collide under the new unique index")
	assert.False(t, tbl.Definition().Indexes["team"].Unique)
}

func TestFlush(t *testing.T) {
	tbl, d := newTable(t, peopleDef())
	ctx := context.Background()

	head, err := tbl.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, head.IsUndef())

	insertN(t, tbl, 0, 3)
	head, err = tbl.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, head.IsUndef())
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 0, tbl.Current().Len())
}

func TestRestore(t *testing.T) {
	tbl, d := newTable(t, peopleDef())
	insertN(t, tbl, 0, 13)
	state := tbl.State()

	again, err := Restore("people", peopleDef(), Options{DAG: d}, state)
	require.NoError(t, err)
	assert.True(t, again.Head().Equals(tbl.Head()))
	assert.Equal(t, 3, again.Current().Len())

	row, err := again.Insert(context.Background(), person(13))
	require.NoError(t, err)
	assert.Equal(t, int64(14), row.ID())
}

func TestStrictValidation(t *testing.T) {
	def := peopleDef()
	def.Strict = true
	def.Shape = map[string]string{"name": "required,string", "count": "integer"}
	tbl, _ := newTable(t, def)
	ctx := context.Background()

	_, err := tbl.Insert(ctx, types.NewRow("count", int64(1)))
	require.Error(t, err)
	assert.True(t, dberrors.IsValidation(err))

	res, err := tbl.BulkInsert(ctx, []types.Row{
		types.NewRow("name", "ok"),
		types.NewRow("name", "bad", "count", "many"),
	})
	require.NoError(t, err)
	assert.Len(t, res.Saved, 1)
	assert.Len(t, res.Errors, 1)
}

func TestEvents_PublishedOnCommit(t *testing.T) {
	bus := events.NewBus(16)
	sub := bus.Subscribe("people")
	def := peopleDef()
	def.Rollup = 2
	tbl, err := New("people", def, Options{DAG: dag.NewMemoryStore(), Events: bus, Now: clock()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tbl.Insert(ctx, person(1))
	require.NoError(t, err)
	_, err = tbl.Insert(ctx, person(1))
	require.Error(t, err, "a rejected write publishes nothing")
	_, err = tbl.Insert(ctx, person(2))
	require.NoError(t, err)

	first := <-sub.C
	assert.Equal(t, events.Committed, first.Kind)
	assert.Equal(t, 1, first.Pending)
	assert.Equal(t, "", first.Head)

	second := <-sub.C
	assert.Equal(t, events.Sealed, second.Kind)
	assert.Equal(t, tbl.Head().String(), second.Head)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, 0, second.Pending)
	assert.Len(t, sub.C, 0)
}
