// Package dag defines the content-addressed block store tables persist into,
// together with in-memory, LevelDB, SQLite and object storage backends.
package dag

import (
	"context"
	"errors"
	"fmt"

	"github.com/merkledb/merkledb/internal/cid"
)

var (
	// ErrNotFound is returned by Load when no object has the requested CID.
	ErrNotFound = errors.New("dag: not found")

	// ErrClosed is returned after a store has been closed.
	ErrClosed = errors.New("dag: store closed")

	// ErrIntegrity is returned when loaded bytes do not hash to the requested CID.
	ErrIntegrity = errors.New("dag: content does not match cid")
)

// DAG is a content-addressed store. Store must return the same CID for the
// same bytes and be durable once it returns. Load of an unknown CID fails
// with ErrNotFound rather than returning empty data.
type DAG interface {
	Store(ctx context.Context, data []byte) (cid.CID, error)
	Load(ctx context.Context, id cid.CID) ([]byte, error)
}

// Haser is implemented by stores that can check for an object without reading it.
type Haser interface {
	Has(ctx context.Context, id cid.CID) (bool, error)
}

// BatchStorer is implemented by stores that can write many objects at once.
type BatchStorer interface {
	StoreMany(ctx context.Context, objects [][]byte) ([]cid.CID, error)
}

// Lister is implemented by stores that can enumerate their objects.
type Lister interface {
	List(ctx context.Context) ([]cid.CID, error)
}

// Has reports whether d holds id, loading it when d cannot check directly.
func Has(ctx context.Context, d DAG, id cid.CID) (bool, error) {
	if h, ok := d.(Haser); ok {
		return h.Has(ctx, id)
	}
	_, err := d.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func verified(id cid.CID, data []byte) ([]byte, error) {
	if !id.Verify(data) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, id)
	}
	return data, nil
}
