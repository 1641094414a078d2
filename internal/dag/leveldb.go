package dag

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/merkledb/merkledb/internal/cid"
)

// blockKeyPrefix namespaces block objects inside the LevelDB keyspace.
var blockKeyPrefix = []byte{'B', 'K'}

// LevelDB stores objects in an embedded LevelDB database keyed by digest.
type LevelDB struct {
	db     *leveldb.DB
	closed uint32
}

// OpenLevelDB opens or creates a LevelDB store at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("dag: open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) key(id cid.CID) []byte {
	d := id.Digest()
	return append(append([]byte(nil), blockKeyPrefix...), d[:]...)
}

// Store implements DAG.
func (l *LevelDB) Store(ctx context.Context, data []byte) (cid.CID, error) {
	if atomic.LoadUint32(&l.closed) == 1 {
		return cid.Undef, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}

	id := cid.Sum(data)
	key := l.key(id)

	// content addressed: an existing key already holds these bytes
	if ok, err := l.db.Has(key, nil); err != nil {
		return cid.Undef, fmt.Errorf("dag: access leveldb failed: %w", err)
	} else if ok {
		return id, nil
	}
	if err := l.db.Put(key, data, nil); err != nil {
		return cid.Undef, fmt.Errorf("dag: write leveldb failed: %w", err)
	}
	return id, nil
}

// Load implements DAG.
func (l *LevelDB) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	if atomic.LoadUint32(&l.closed) == 1 {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := l.db.Get(l.key(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dag: read leveldb failed: %w", err)
	}
	return data, nil
}

// Has implements Haser.
func (l *LevelDB) Has(ctx context.Context, id cid.CID) (bool, error) {
	if atomic.LoadUint32(&l.closed) == 1 {
		return false, ErrClosed
	}
	return l.db.Has(l.key(id), nil)
}

// Close releases the database.
func (l *LevelDB) Close() error {
	if !atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		return nil
	}
	return l.db.Close()
}
