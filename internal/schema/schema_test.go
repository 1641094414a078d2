package schema

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/internal/dag"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/internal/events"
	"github.com/merkledb/merkledb/internal/storage"
	"github.com/merkledb/merkledb/internal/table"
	"github.com/merkledb/merkledb/pkg/types"
)

func usersDef() types.TableDefinition {
	return types.TableDefinition{
		SchemaID: "users",
		Rollup:   10,
		Indexes: map[string]types.IndexDef{
			"name": {Fields: []string{"name"}, Unique: true},
		},
		Aggregate: map[string]types.AggregateOp{
			"age": types.AggAvg,
		},
		SearchOptions: []string{"name"},
	}
}

func populate(t *testing.T, s *Schema, n int) *table.Table {
	t.Helper()
	tbl, err := s.CreateTable("users", usersDef())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := tbl.Insert(context.Background(), types.NewRow(
			"name", fmt.Sprintf("user %d", i),
			"age", int64(20+i),
			"tags", []interface{}{"a", int64(i)},
		))
		require.NoError(t, err)
	}
	return tbl
}

func chain(t *testing.T, tbl *table.Table) ([]cid.CID, [][]byte) {
	t.Helper()
	var ids []cid.CID
	var encoded [][]byte
	it := tbl.Blocks()
	for it.Next(context.Background()) {
		data, err := it.Block().Encode()
		require.NoError(t, err)
		ids = append(ids, it.CID())
		encoded = append(encoded, data)
	}
	require.NoError(t, it.Err())
	return ids, encoded
}

func assertSameTable(t *testing.T, want, got *table.Table) {
	t.Helper()
	ctx := context.Background()

	assert.Equal(t, want.ID(), got.ID())
	assert.Equal(t, want.Definition(), got.Definition())
	assert.True(t, want.Head().Equals(got.Head()))
	assert.Equal(t, want.State().Sequence, got.State().Sequence)

	wantIDs, wantBlocks := chain(t, want)
	gotIDs, gotBlocks := chain(t, got)
	assert.Equal(t, wantIDs, gotIDs)
	assert.Equal(t, wantBlocks, gotBlocks, "sealed blocks decode to identical bytes")

	wc, gc := want.Current(), got.Current()
	assert.Equal(t, wc.Headers, gc.Headers)
	assert.Equal(t, wc.Filters.Indexes, gc.Filters.Indexes)
	require.Len(t, gc.Records, len(wc.Records))
	for i := range wc.Records {
		assert.True(t, wc.Records[i].Equal(gc.Records[i]), "current row %d", i)
	}

	wr, err := want.Query().Execute(ctx)
	require.NoError(t, err)
	gr, err := got.Query().Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, wr.Len(), gr.Len())
	for i, r := range wr.All() {
		assert.True(t, r.Equal(gr.All()[i]), "row %d", i)
	}

	for _, field := range want.Definition().AggregateFields() {
		wa, err := want.Aggregate(ctx, field)
		require.NoError(t, err)
		ga, err := got.Aggregate(ctx, field)
		require.NoError(t, err)
		assert.Equal(t, wa, ga, "aggregate %s", field)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	d := dag.NewMemoryStore()
	s, err := New("app", d, Options{})
	require.NoError(t, err)
	tbl := populate(t, s, 15)
	require.False(t, tbl.Head().IsUndef())
	require.Equal(t, 5, tbl.Current().Len())

	id, err := s.Save(context.Background())
	require.NoError(t, err)

	loaded, err := Load(context.Background(), id, d, Options{})
	require.NoError(t, err)
	assert.Equal(t, "app", loaded.Name())
	assert.False(t, loaded.Encrypted())

	got, err := loaded.Table("users")
	require.NoError(t, err)
	assertSameTable(t, tbl, got)

	avg, err := got.Aggregate(context.Background(), "age")
	require.NoError(t, err)
	assert.InDelta(t, 27.0, avg, 1e-9)

	again, err := loaded.Save(context.Background())
	require.NoError(t, err)
	assert.True(t, id.Equals(again), "saving a loaded schema yields the same root")
}

func TestLoad_ContinuesWriting(t *testing.T) {
	d := dag.NewMemoryStore()
	s, err := New("app", d, Options{})
	require.NoError(t, err)
	populate(t, s, 15)
	id, err := s.Save(context.Background())
	require.NoError(t, err)

	loaded, err := Load(context.Background(), id, d, Options{})
	require.NoError(t, err)
	tbl, err := loaded.Table("users")
	require.NoError(t, err)

	_, err = tbl.Insert(context.Background(), types.NewRow("name", "user 12"))
	assert.True(t, dberrors.IsConstraint(err), "unique index is restored on the current block")

	row, err := tbl.Insert(context.Background(), types.NewRow("name", "user 15"))
	require.NoError(t, err)
	assert.Equal(t, int64(16), row.ID())
}

func TestSave_Deterministic(t *testing.T) {
	d := dag.NewMemoryStore()
	s, err := New("app", d, Options{})
	require.NoError(t, err)
	populate(t, s, 3)

	a, err := s.Save(context.Background())
	require.NoError(t, err)
	b, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Equals(b))

	data, err := d.Load(context.Background(), a)
	require.NoError(t, err)
	kind, err := codec.Peek(data)
	require.NoError(t, err)
	assert.Equal(t, codec.KindSchemaRoot, kind)
}

func TestTables(t *testing.T) {
	s, err := New("app", dag.NewMemoryStore(), Options{DefaultRollup: 4})
	require.NoError(t, err)

	_, err = s.CreateTable("b", types.TableDefinition{})
	require.NoError(t, err)
	a, err := s.CreateTable("a", types.TableDefinition{})
	require.NoError(t, err)
	assert.Equal(t, 4, a.Definition().Rollup)

	_, err = s.CreateTable("a", types.TableDefinition{})
	assert.True(t, dberrors.IsValidation(err))

	var names []string
	for _, tbl := range s.Tables() {
		names = append(names, tbl.ID())
	}
	assert.Equal(t, []string{"b", "a"}, names)

	_, err = s.Table("missing")
	assert.True(t, dberrors.IsNotFound(err))
	assert.Equal(t, dberrors.CodeTableNotFound, dberrors.GetCode(err))

	_, err = New("", dag.NewMemoryStore(), Options{})
	assert.Error(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(context.Background(), cid.Sum([]byte("nothing")), dag.NewMemoryStore(), Options{})
	require.Error(t, err)
	assert.Equal(t, dberrors.CodeObjectMissing, dberrors.GetCode(err))
}

func testKey(b byte) *[dag.KeySize]byte {
	var k [dag.KeySize]byte
	for i := range k {
		k[i] = b + byte(i)
	}
	return &k
}

func TestEncryptedSchema(t *testing.T) {
	ctx := context.Background()
	d := dag.NewMemoryStore()

	_, err := New("secret", d, Options{Encrypted: true})
	require.ErrorIs(t, err, dag.ErrKeyRequired)

	s, err := New("secret", d, Options{Encrypted: true, Key: testKey(1)})
	require.NoError(t, err)
	tbl := populate(t, s, 12)
	assert.True(t, tbl.Definition().Encrypted)

	id, err := s.Save(ctx)
	require.NoError(t, err)

	raw, err := d.Load(ctx, id)
	require.NoError(t, err)
	_, err = codec.Peek(raw)
	assert.Error(t, err, "stored root is ciphertext")
	raw, err = d.Load(ctx, tbl.Head())
	require.NoError(t, err)
	_, err = codec.Peek(raw)
	assert.Error(t, err, "stored blocks are ciphertext")

	_, err = Load(ctx, id, d, Options{})
	assert.ErrorIs(t, err, dag.ErrKeyRequired)

	_, err = Load(ctx, id, d, Options{Key: testKey(2)})
	assert.ErrorIs(t, err, dag.ErrDecrypt)

	loaded, err := Load(ctx, id, d, Options{Key: testKey(1)})
	require.NoError(t, err)
	assert.True(t, loaded.Encrypted())
	got, err := loaded.Table("users")
	require.NoError(t, err)
	assertSameTable(t, tbl, got)
}

func TestReplicate(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)

	targets := map[string]dag.DAG{
		"memory": dag.NewMemoryStore(),
		"object": dag.NewObjectDAG(local, 4),
	}
	for name, dst := range targets {
		t.Run(name, func(t *testing.T) {
			src := dag.NewMemoryStore()
			s, err := New("app", src, Options{Encrypted: true, Key: testKey(7)})
			require.NoError(t, err)
			tbl := populate(t, s, 25)

			id, err := s.Replicate(ctx, dst, 3)
			require.NoError(t, err)

			loaded, err := Load(ctx, id, dst, Options{Key: testKey(7)})
			require.NoError(t, err)
			got, err := loaded.Table("users")
			require.NoError(t, err)
			assertSameTable(t, tbl, got)

			again, err := s.Replicate(ctx, dst, 3)
			require.NoError(t, err)
			assert.True(t, id.Equals(again))
		})
	}
}

func TestEvents_CommitsAndSave(t *testing.T) {
	s, err := New("app", dag.NewMemoryStore(), Options{})
	require.NoError(t, err)
	sub := s.Events().Subscribe()
	defer s.Events().Unsubscribe(sub)

	populate(t, s, 3)
	for i := 0; i < 3; i++ {
		e := <-sub.C
		assert.Equal(t, events.Committed, e.Kind)
		assert.Equal(t, "users", e.Table)
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	root, err := s.Save(context.Background())
	require.NoError(t, err)
	e := <-sub.C
	assert.Equal(t, events.Saved, e.Kind)
	assert.Equal(t, root.String(), e.Head)
}
