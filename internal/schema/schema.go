// Package schema groups tables under one name and persists their positions
// as a single root object, so that a whole database state is one CID.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cache"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/internal/dag"
	"github.com/merkledb/merkledb/internal/events"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/observability"
	"github.com/merkledb/merkledb/internal/table"
	"github.com/merkledb/merkledb/internal/validate"
	"github.com/merkledb/merkledb/pkg/types"
)

const defaultEventBuffer = 64

// Options configures a schema and the tables it builds.
type Options struct {
	// Encrypted seals every block and the root with Key
	Encrypted bool
	Key       *[dag.KeySize]byte

	// Cache is shared by all tables. A private one is created when nil.
	Cache *cache.DatabaseCache

	Validator     validate.Validator
	DefaultRollup int
	Logger        logrus.FieldLogger
	Metrics       *observability.Metrics
	Stats         *observability.QueryStats
	Now           func() time.Time

	// Events receives table commits and saves. A private bus is created when nil.
	Events *events.Bus
}

// root is the persisted form of a schema.
type root struct {
	Name      string      `codec:"name"`
	Encrypted bool        `codec:"encrypted"`
	Tables    []tableRoot `codec:"tables"`
}

type tableRoot struct {
	Name     string                `codec:"name"`
	Def      types.TableDefinition `codec:"def"`
	Head     string                `codec:"head"`
	Current  *block.Block          `codec:"current"`
	Sequence int64                 `codec:"sequence"`
}

// Schema is a named, ordered collection of tables sharing one DAG and cache.
type Schema struct {
	name      string
	encrypted bool

	// raw is the caller's DAG; store wraps it with encryption when enabled.
	raw   dag.DAG
	store dag.DAG

	mu     sync.RWMutex
	tables map[string]*table.Table
	order  []string

	opts   Options
	cache  *cache.DatabaseCache
	logger logrus.FieldLogger
}

// New creates an empty schema over d.
func New(name string, d dag.DAG, opts Options) (*Schema, error) {
	if name == "" {
		return nil, dberrors.NewValidationError(dberrors.CodeInvalidDefinition, "schema name is required")
	}
	if d == nil {
		return nil, dberrors.NewInternalError("schema requires a DAG", nil)
	}
	s := &Schema{
		name:      name,
		encrypted: opts.Encrypted,
		raw:       d,
		store:     d,
		tables:    make(map[string]*table.Table),
		opts:      opts,
		cache:     opts.Cache,
		logger:    logging.OrDiscard(opts.Logger).WithField("schema", name),
	}
	if opts.Encrypted {
		if opts.Key == nil {
			return nil, dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeInvalidDefinition,
				fmt.Sprintf("schema %s is encrypted", name), dag.ErrKeyRequired)
		}
		s.store = dag.NewSealed(d, *opts.Key)
	}
	if s.cache == nil {
		s.cache = cache.New(cache.Options{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	if s.opts.Events == nil {
		s.opts.Events = events.NewBus(defaultEventBuffer)
	}
	return s, nil
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Encrypted reports whether payloads are sealed.
func (s *Schema) Encrypted() bool { return s.encrypted }

// Cache returns the cache shared by the tables.
func (s *Schema) Cache() *cache.DatabaseCache { return s.cache }

// Events returns the bus that table commits and saves are published on.
func (s *Schema) Events() *events.Bus { return s.opts.Events }

func (s *Schema) tableOptions() table.Options {
	return table.Options{
		DAG:           s.store,
		Cache:         s.cache,
		Validator:     s.opts.Validator,
		DefaultRollup: s.opts.DefaultRollup,
		Logger:        logging.OrDiscard(s.opts.Logger).WithField("schema", s.name),
		Metrics:       s.opts.Metrics,
		Stats:         s.opts.Stats,
		Now:           s.opts.Now,
		Events:        s.opts.Events,
	}
}

// CreateTable adds an empty table.
func (s *Schema) CreateTable(name string, def types.TableDefinition) (*table.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return nil, dberrors.NewValidationError(dberrors.CodeInvalidDefinition,
			fmt.Sprintf("table %s already exists in schema %s", name, s.name))
	}
	def.Encrypted = s.encrypted
	t, err := table.New(name, def, s.tableOptions())
	if err != nil {
		return nil, err
	}
	s.add(name, t)
	s.logger.WithField("table", name).Info("table created")
	return t, nil
}

func (s *Schema) add(name string, t *table.Table) {
	s.tables[name] = t
	s.order = append(s.order, name)
}

// Table returns the named table.
func (s *Schema) Table(name string) (*table.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, dberrors.NewNotFoundError(dberrors.CodeTableNotFound,
			fmt.Sprintf("schema %s has no table %s", s.name, name))
	}
	return t, nil
}

// Tables returns the tables in creation order.
func (s *Schema) Tables() []*table.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*table.Table, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tables[name])
	}
	return out
}

// Save stores the root object describing every table and returns its CID.
// Unsealed rows are saved with the root, so nothing is flushed.
func (s *Schema) Save(ctx context.Context) (cid.CID, error) {
	r := root{Name: s.name, Encrypted: s.encrypted, Tables: []tableRoot{}}
	for _, t := range s.Tables() {
		st := t.State()
		head := ""
		if !st.Head.IsUndef() {
			head = st.Head.String()
		}
		r.Tables = append(r.Tables, tableRoot{
			Name:     t.ID(),
			Def:      t.Definition(),
			Head:     head,
			Current:  st.Current,
			Sequence: st.Sequence,
		})
	}

	data, err := codec.Encode(codec.KindSchemaRoot, r)
	if err != nil {
		return cid.Undef, dberrors.NewInternalError("encode schema root", err)
	}
	id, err := s.store.Store(ctx, data)
	if err != nil {
		s.logger.WithError(err).Error("schema root store failed")
		return cid.Undef, dberrors.NewStorageError(dberrors.CodeStoreFailed,
			fmt.Sprintf("store root of schema %s", s.name), err)
	}
	s.logger.WithFields(logrus.Fields{"cid": id.String(), "tables": len(r.Tables)}).Info("schema saved")
	s.opts.Events.Publish(events.Event{Kind: events.Saved, Head: id.String()})
	return id, nil
}

// Load rebuilds the schema saved under id. An encrypted root needs opts.Key;
// opts.Encrypted is taken from the root itself.
func Load(ctx context.Context, id cid.CID, d dag.DAG, opts Options) (*Schema, error) {
	data, err := d.Load(ctx, id)
	if err != nil {
		return nil, loadError(id, err)
	}

	encrypted := false
	if _, err := codec.Peek(data); err != nil {
		if opts.Key == nil {
			return nil, dberrors.NewStorageError(dberrors.CodeCorruptBlock,
				fmt.Sprintf("schema root %s is not readable", id), dag.ErrKeyRequired)
		}
		data, err = dag.NewSealed(d, *opts.Key).Load(ctx, id)
		if err != nil {
			return nil, loadError(id, err)
		}
		encrypted = true
	}

	var r root
	if err := codec.Decode(data, codec.KindSchemaRoot, &r); err != nil {
		return nil, dberrors.NewStorageError(dberrors.CodeCorruptBlock,
			fmt.Sprintf("decode schema root %s", id), err)
	}
	if r.Encrypted != encrypted {
		return nil, dberrors.NewStorageError(dberrors.CodeCorruptBlock,
			fmt.Sprintf("schema root %s encryption flag does not match its encoding", id), nil)
	}

	opts.Encrypted = r.Encrypted
	s, err := New(r.Name, d, opts)
	if err != nil {
		return nil, err
	}
	for _, tr := range r.Tables {
		head := cid.Undef
		if tr.Head != "" {
			if head, err = cid.Parse(tr.Head); err != nil {
				return nil, dberrors.NewStorageError(dberrors.CodeCorruptBlock,
					fmt.Sprintf("table %s has a bad head", tr.Name), err)
			}
		}
		t, err := table.Restore(tr.Name, tr.Def, s.tableOptions(), table.State{
			Head:     head,
			Current:  tr.Current,
			Sequence: tr.Sequence,
		})
		if err != nil {
			return nil, err
		}
		s.add(tr.Name, t)
	}
	s.logger.WithFields(logrus.Fields{"cid": id.String(), "tables": len(r.Tables)}).Info("schema loaded")
	return s, nil
}

func loadError(id cid.CID, err error) error {
	code := dberrors.CodeLoadFailed
	switch {
	case errors.Is(err, dag.ErrNotFound):
		code = dberrors.CodeObjectMissing
	case errors.Is(err, dag.ErrDecrypt), errors.Is(err, dag.ErrIntegrity):
		code = dberrors.CodeCorruptBlock
	}
	return dberrors.NewStorageError(code, fmt.Sprintf("load schema root %s", id), err)
}
