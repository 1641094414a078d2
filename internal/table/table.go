// Package table implements a single row stream: a mutable current block that
// accepts writes and a chain of sealed blocks reachable from the head CID.
package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cache"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/events"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/observability"
	"github.com/merkledb/merkledb/internal/validate"
	"github.com/merkledb/merkledb/pkg/types"
)

// Options carries the collaborators of a table.
type Options struct {
	// DAG stores sealed blocks. Required.
	DAG dag.DAG

	// Cache is the shared block and query cache. A private cache is created when nil.
	Cache *cache.DatabaseCache

	// Validator checks rows of strict tables. When nil a registry built from
	// the definition's shape is used.
	Validator validate.Validator

	// DefaultRollup applies when the definition leaves Rollup at zero
	DefaultRollup int

	Logger  logrus.FieldLogger
	Metrics *observability.Metrics

	// Stats records queried fields. A per-table tracker is created when nil.
	Stats *observability.QueryStats

	// Events receives a notification after every commit. Optional.
	Events *events.Bus

	// Now and NewUID are overridable for tests
	Now    func() time.Time
	NewUID func() string
}

// State is the persisted position of a table: its head, its unsealed rows and
// the last id handed out.
type State struct {
	Head     cid.CID
	Current  *block.Block
	Sequence int64
}

// Table owns one logical row stream. Writers are serialized; readers work on
// an immutable view of the current block and on sealed blocks, so they never
// wait for a write to reach the DAG.
type Table struct {
	id string

	writeMu sync.Mutex

	stateMu sync.RWMutex
	def     types.TableDefinition
	current *block.Block
	head    cid.CID
	seq     int64

	dag       dag.DAG
	cache     *cache.DatabaseCache
	validator validate.Validator
	logger    logrus.FieldLogger
	metrics   *observability.Metrics
	stats     *observability.QueryStats
	events    *events.Bus
	now       func() time.Time
	newUID    func() string
}

// view is a consistent snapshot for readers. gen is the cache generation
// of the table when the snapshot was taken.
type view struct {
	def     types.TableDefinition
	current *block.Block
	head    cid.CID
	gen     uint64
}

// New creates an empty table.
func New(id string, def types.TableDefinition, opts Options) (*Table, error) {
	return Restore(id, def, opts, State{})
}

// Restore recreates a table at a saved state.
func Restore(id string, def types.TableDefinition, opts Options, state State) (*Table, error) {
	if id == "" {
		return nil, dberrors.NewValidationError(dberrors.CodeInvalidDefinition, "table id is required")
	}
	if opts.DAG == nil {
		return nil, dberrors.NewInternalError("table requires a DAG", nil)
	}
	def = def.Clone()
	if def.Rollup == 0 {
		def.Rollup = opts.DefaultRollup
	}
	if err := def.Validate(); err != nil {
		return nil, dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidDefinition,
			fmt.Sprintf("table %s", id), err)
	}

	t := &Table{
		id:        id,
		def:       def,
		head:      state.Head,
		seq:       state.Sequence,
		dag:       opts.DAG,
		cache:     opts.Cache,
		validator: opts.Validator,
		logger:    logging.OrDiscard(opts.Logger).WithField("table", id),
		metrics:   opts.Metrics,
		stats:     opts.Stats,
		events:    opts.Events,
		now:       opts.Now,
		newUID:    opts.NewUID,
	}
	if t.cache == nil {
		t.cache = cache.New(cache.Options{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	if t.stats == nil {
		t.stats = observability.NewQueryStats(time.Hour)
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newUID == nil {
		t.newUID = newUID
	}
	if err := t.useShape(def); err != nil {
		return nil, err
	}

	if state.Current == nil {
		t.current = block.New(state.Head)
	} else {
		t.current = state.Current.Clone()
		if err := t.current.Refresh(def); err != nil {
			return nil, err
		}
	}
	for _, r := range t.current.Records {
		if r.ID() > t.seq {
			t.seq = r.ID()
		}
	}
	return t, nil
}

// useShape installs a registry for strict tables that were not given a validator.
func (t *Table) useShape(def types.TableDefinition) error {
	if !def.Strict {
		return nil
	}
	if _, ok := t.validator.(*shapeValidator); !ok && t.validator != nil {
		return nil
	}
	reg := validate.NewRegistry()
	if err := reg.Register(def.SchemaID, def.SchemaVersion, def.Shape); err != nil {
		return err
	}
	t.validator = &shapeValidator{reg}
	return nil
}

type shapeValidator struct{ *validate.Registry }

func newUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the table id.
func (t *Table) ID() string { return t.id }

// Definition returns a copy of the current definition.
func (t *Table) Definition() types.TableDefinition {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.def.Clone()
}

// Head returns the CID of the most recently sealed block, Undef if none.
func (t *Table) Head() cid.CID {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.head
}

// Current returns the current block. It is shared and must not be modified.
func (t *Table) Current() *block.Block {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.current
}

// State returns the persisted position of the table.
func (t *Table) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return State{Head: t.head, Current: t.current, Sequence: t.seq}
}

// Stats returns the field usage tracker of the table.
func (t *Table) Stats() *observability.QueryStats { return t.stats }

// view reads the generation under the state lock: commit publishes the new
// state before it invalidates, so a view never pairs old state with a newer
// generation.
func (t *Table) view() view {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return view{def: t.def, current: t.current, head: t.head, gen: t.cache.Generation(t.id)}
}

// SetDefs replaces the definition. Sealed blocks keep the filters they were
// sealed with; the current block is re-derived under def and the call fails
// if its rows violate a unique index of def.
func (t *Table) SetDefs(def types.TableDefinition) error {
	def = def.Clone()
	if def.Rollup == 0 {
		def.Rollup = t.Definition().Rollup
	}
	if err := def.Validate(); err != nil {
		return dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidDefinition,
			fmt.Sprintf("table %s", t.id), err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	next := t.current.Clone()
	if err := next.Refresh(def); err != nil {
		return err
	}
	if err := t.useShape(def); err != nil {
		return err
	}

	t.stateMu.Lock()
	t.def = def
	t.current = next
	t.stateMu.Unlock()

	t.cache.InvalidateTable(t.id)
	t.logger.WithField("rollup", def.Rollup).Info("definition replaced")
	return nil
}

// Flush seals the current block if it holds any rows, regardless of the
// rollup threshold. It returns the new head, or the unchanged head when
// there was nothing to seal.
func (t *Table) Flush(ctx context.Context) (cid.CID, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.current.Len() == 0 {
		return t.head, nil
	}
	return t.commit(ctx, t.current.Clone(), t.seq, true)
}

// commit publishes next as the current block. When next has reached the
// rollup threshold, or force is set, it is sealed and stored first; if that
// fails nothing is published and the table stays at its previous state.
func (t *Table) commit(ctx context.Context, next *block.Block, seq int64, force bool) (cid.CID, error) {
	head := t.head
	var sealed *block.Block

	if next.Len() > 0 && (force || next.Len() >= t.def.Rollup) {
		var err error
		sealed, err = block.Seal(next.Records, t.head, t.def)
		if err != nil {
			return cid.Undef, err
		}
		head, err = t.store(ctx, sealed)
		if err != nil {
			return cid.Undef, err
		}
		next = block.New(head)
	}

	t.stateMu.Lock()
	t.current = next
	t.head = head
	t.seq = seq
	t.stateMu.Unlock()

	t.cache.InvalidateTable(t.id)
	kind := events.Committed
	if sealed != nil {
		kind = events.Sealed
		t.cache.CacheBlock(t.id, head, sealed)
		t.metrics.Rollup(t.id)
		t.logger.WithFields(logrus.Fields{"cid": head.String(), "rows": sealed.Len()}).Info("block sealed")
	}
	t.events.Publish(events.Event{
		Kind:     kind,
		Table:    t.id,
		Head:     head.String(),
		Sequence: seq,
		Pending:  next.Len(),
	})
	return head, nil
}

func (t *Table) store(ctx context.Context, b *block.Block) (cid.CID, error) {
	data, err := b.Encode()
	if err != nil {
		return cid.Undef, dberrors.NewInternalError("encode block", err)
	}
	id, err := t.dag.Store(ctx, data)
	if err != nil {
		t.metrics.StorageFault(t.id, "store")
		t.logger.WithError(err).Error("block store failed")
		return cid.Undef, dberrors.NewStorageError(dberrors.CodeStoreFailed,
			fmt.Sprintf("store block of table %s", t.id), err)
	}
	return id, nil
}

// loadBlock returns a sealed block from the cache or the DAG.
func (t *Table) loadBlock(ctx context.Context, id cid.CID) (*block.Block, error) {
	if t.cache.HasBlock(id) {
		if b, ok := t.cache.GetBlock(id); ok {
			return b, nil
		}
	}

	data, err := t.dag.Load(ctx, id)
	if err != nil {
		t.metrics.StorageFault(t.id, "load")
		code := dberrors.CodeLoadFailed
		if errors.Is(err, dag.ErrNotFound) {
			code = dberrors.CodeObjectMissing
		}
		return nil, dberrors.NewStorageError(code, fmt.Sprintf("load block %s", id), err)
	}
	b, err := block.Decode(data)
	if err != nil {
		return nil, err
	}
	t.metrics.BlockLoaded(t.id)
	t.cache.CacheBlock(t.id, id, b)
	return b, nil
}
