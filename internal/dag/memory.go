package dag

import (
	"context"
	"fmt"
	"sync"

	"github.com/merkledb/merkledb/internal/cid"
)

// MemoryStore keeps objects in a map. Used for tests and ephemeral schemas.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[cid.CID][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[cid.CID][]byte)}
}

// Store implements DAG.
func (m *MemoryStore) Store(ctx context.Context, data []byte) (cid.CID, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id := cid.Sum(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		m.objects[id] = append([]byte(nil), data...)
	}
	return id, nil
}

// Load implements DAG.
func (m *MemoryStore) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.objects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// Has implements Haser.
func (m *MemoryStore) Has(ctx context.Context, id cid.CID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
