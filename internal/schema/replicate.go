package schema

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/dag"
	dberrors "github.com/merkledb/merkledb/internal/errors"
)

// Replicate saves the schema and copies the root and every block reachable
// from it into dst, at most concurrency objects at a time. Objects are copied
// as stored, so encrypted schemas stay encrypted and every CID is unchanged.
// It returns the root CID, valid in dst once Replicate succeeds.
func (s *Schema) Replicate(ctx context.Context, dst dag.DAG, concurrency int) (cid.CID, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	rootID, err := s.Save(ctx)
	if err != nil {
		return cid.Undef, err
	}

	ids := []cid.CID{rootID}
	for _, t := range s.Tables() {
		it := t.Blocks()
		for it.Next(ctx) {
			ids = append(ids, it.CID())
		}
		if err := it.Err(); err != nil {
			return cid.Undef, err
		}
	}

	objects := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := s.raw.Load(ctx, id)
		if err != nil {
			return cid.Undef, dberrors.NewStorageError(dberrors.CodeLoadFailed,
				fmt.Sprintf("read %s for replication", id), err)
		}
		objects[i] = data
	}

	if batch, ok := dst.(dag.BatchStorer); ok {
		stored, err := batch.StoreMany(ctx, objects)
		if err != nil {
			return cid.Undef, dberrors.NewStorageError(dberrors.CodeStoreFailed, "replicate batch", err)
		}
		for i, id := range stored {
			if err := expect(ids[i], id); err != nil {
				return cid.Undef, err
			}
		}
	} else if err := copyEach(ctx, dst, ids, objects, concurrency); err != nil {
		return cid.Undef, err
	}

	s.logger.WithField("cid", rootID.String()).WithField("objects", len(ids)).Info("schema replicated")
	return rootID, nil
}

func copyEach(ctx context.Context, dst dag.DAG, ids []cid.CID, objects [][]byte, concurrency int) error {
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(dberrors.NewStorageError(dberrors.CodeStoreFailed, "replication cancelled", err))
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			if ok, err := dag.Has(ctx, dst, ids[i]); err == nil && ok {
				return
			}
			got, err := dst.Store(ctx, objects[i])
			if err != nil {
				fail(dberrors.NewStorageError(dberrors.CodeStoreFailed,
					fmt.Sprintf("replicate %s", ids[i]), err))
				return
			}
			if err := expect(ids[i], got); err != nil {
				fail(err)
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}

func expect(want, got cid.CID) error {
	if want.Equals(got) {
		return nil
	}
	return dberrors.NewStorageError(dberrors.CodeCorruptBlock,
		fmt.Sprintf("replica stored %s as %s", want, got), dag.ErrIntegrity)
}
