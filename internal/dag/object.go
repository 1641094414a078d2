package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/storage"
)

// ObjectKeyPrefix is the key prefix of every object written by ObjectDAG.
const ObjectKeyPrefix = "blocks/"

// ObjectDAG layers a DAG over an object store such as S3 or a local directory.
// Objects fetched back are verified against their CID since the store is not trusted.
type ObjectDAG struct {
	store       storage.ObjectStorage
	concurrency int
}

// NewObjectDAG creates a DAG over store. concurrency bounds StoreMany.
func NewObjectDAG(store storage.ObjectStorage, concurrency int) *ObjectDAG {
	if concurrency < 1 {
		concurrency = 4
	}
	return &ObjectDAG{store: store, concurrency: concurrency}
}

func objectKey(id cid.CID) string {
	return ObjectKeyPrefix + id.String()
}

// Store implements DAG.
func (o *ObjectDAG) Store(ctx context.Context, data []byte) (cid.CID, error) {
	id := cid.Sum(data)
	if err := o.store.Put(ctx, objectKey(id), data); err != nil {
		return cid.Undef, fmt.Errorf("dag: put %s: %w", id, err)
	}
	return id, nil
}

// Load implements DAG.
func (o *ObjectDAG) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	data, err := o.store.Get(ctx, objectKey(id))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dag: get %s: %w", id, err)
	}
	return verified(id, data)
}

// Has implements Haser.
func (o *ObjectDAG) Has(ctx context.Context, id cid.CID) (bool, error) {
	return o.store.Exists(ctx, objectKey(id))
}

// StoreMany implements BatchStorer. Objects already present are not rewritten.
func (o *ObjectDAG) StoreMany(ctx context.Context, objects [][]byte) ([]cid.CID, error) {
	ids := make([]cid.CID, len(objects))
	batch := make(map[string][]byte, len(objects))
	for i, data := range objects {
		ids[i] = cid.Sum(data)
		batch[objectKey(ids[i])] = data
	}

	result, err := storage.NewBatchWriter(o.store, o.concurrency).Write(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		keys := make([]string, 0, len(result.Errors))
		for k := range result.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("dag: %d of %d puts failed, first %s: %w",
			len(keys), len(objects), keys[0], result.Errors[keys[0]])
	}
	return ids, nil
}

// List returns the CIDs of every stored object.
func (o *ObjectDAG) List(ctx context.Context) ([]cid.CID, error) {
	keys, err := o.store.ListObjects(ctx, ObjectKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]cid.CID, 0, len(keys))
	for _, k := range keys {
		id, err := cid.Parse(k[len(ObjectKeyPrefix):])
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
