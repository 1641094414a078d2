package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchWriter coordinates parallel writes to object storage. Keys are content
// addresses, so an object that already exists is skipped instead of rewritten.
type BatchWriter struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch write.
type BatchResult struct {
	Written int
	Skipped int
	Errors  map[string]error
}

// NewBatchWriter creates a new batch writer.
// concurrency: maximum number of parallel writes
func NewBatchWriter(storage ObjectStorage, concurrency int) *BatchWriter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchWriter{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Write stores every object of the batch. Failures are reported per key; the
// returned error is only set when the context ends before all writes started.
func (b *BatchWriter) Write(ctx context.Context, objects map[string][]byte) (*BatchResult, error) {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(objects) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	var acquireErr error
	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Lock()
			result.Errors[key] = acquireErr
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key string, data []byte) {
			defer sem.Release(1)
			defer wg.Done()

			exists, err := b.storage.Exists(ctx, key)
			if err == nil && exists {
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return
			}

			if err := b.storage.Put(ctx, key, data); err != nil {
				mu.Lock()
				result.Errors[key] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.Written++
			mu.Unlock()
		}(key, objects[key])
	}

	wg.Wait()

	return result, acquireErr
}
