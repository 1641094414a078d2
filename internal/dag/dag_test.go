package dag

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/storage"
)

func testKey() [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func openStores(t *testing.T) map[string]DAG {
	t.Helper()
	dir := t.TempDir()

	ldb, err := OpenLevelDB(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	sq, err := OpenSQLite(filepath.Join(dir, "dag.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	local, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	return map[string]DAG{
		"memory":  NewMemoryStore(),
		"leveldb": ldb,
		"sqlite":  sq,
		"object":  NewObjectDAG(local, 2),
		"sealed":  NewSealed(NewMemoryStore(), testKey()),
	}
}

func TestStores_Contract(t *testing.T) {
	ctx := context.Background()
	for name, d := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("some block bytes")

			id1, err := d.Store(ctx, data)
			require.NoError(t, err)
			id2, err := d.Store(ctx, data)
			require.NoError(t, err)
			assert.True(t, id1.Equals(id2), "store must be content addressed")

			got, err := d.Load(ctx, id1)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := Has(ctx, d, id1)
			require.NoError(t, err)
			assert.True(t, ok)

			missing := cid.Sum([]byte("never stored"))
			_, err = d.Load(ctx, missing)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err = Has(ctx, d, missing)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSealed_DeterministicAndOpaque(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewSealed(inner, testKey())

	plain := []byte("secret rows")
	a, err := s.Store(ctx, plain)
	require.NoError(t, err)
	b, err := s.Store(ctx, plain)
	require.NoError(t, err)
	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(cid.Sum(plain)), "cid is over ciphertext")

	box, err := inner.Load(ctx, a)
	require.NoError(t, err)
	assert.NotContains(t, string(box), "secret")

	var other [KeySize]byte
	_, err = NewSealed(inner, other).Load(ctx, a)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestObjectDAG_VerifiesContent(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	d := NewObjectDAG(local, 2)

	id, err := d.Store(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, local.Put(ctx, objectKey(id), []byte("tampered")))

	_, err = d.Load(ctx, id)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestObjectDAG_StoreManyAndList(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	d := NewObjectDAG(local, 3)

	objects := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	ids, err := d.StoreMany(ctx, objects)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		got, err := d.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, objects[i], got)
	}

	listed, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestLevelDB_Closed(t *testing.T) {
	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	require.NoError(t, ldb.Close())
	require.NoError(t, ldb.Close())

	_, err = ldb.Store(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("abcd")
	assert.Error(t, err)

	k, err := ParseKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f\n")
	require.NoError(t, err)
	assert.Equal(t, testKey(), k)
}
