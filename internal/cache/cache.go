// Package cache provides the process-wide, size-bounded cache of decoded
// blocks and query results shared by every table.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/internal/observability"
	"github.com/merkledb/merkledb/pkg/types"
)

// Policy selects which entries are evicted first when a tier is full.
type Policy int

const (
	// EvictLeastRead evicts the entry with the fewest reads, oldest first on ties.
	EvictLeastRead Policy = iota

	// EvictOldest evicts the entry touched longest ago.
	EvictOldest
)

func (p Policy) String() string {
	switch p {
	case EvictOldest:
		return "oldest"
	default:
		return "least-read"
	}
}

// ParsePolicy maps a config value to a Policy. Unknown names yield EvictLeastRead.
func ParsePolicy(s string) Policy {
	switch s {
	case "oldest", "lru", "age":
		return EvictOldest
	default:
		return EvictLeastRead
	}
}

// Default budgets.
const (
	DefaultMaxBlockBytes int64 = 64 * 1024 * 1024
	DefaultMaxQueryBytes int64 = 16 * 1024 * 1024
)

// Options configures a DatabaseCache.
type Options struct {
	MaxBlockBytes int64
	MaxQueryBytes int64

	// Policy is used when a caller does not pass one
	Policy Policy

	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

type entry[V any] struct {
	table string
	age   uint64
	reads uint64
	size  int64
	value V
}

// tier is one size-bounded map of entries. Callers hold DatabaseCache.mu.
type tier[V any] struct {
	name    string
	max     int64
	size    atomic.Int64
	entries map[string]*entry[V]
}

func newTier[V any](name string, max int64) *tier[V] {
	return &tier[V]{name: name, max: max, entries: make(map[string]*entry[V])}
}

// DatabaseCache holds decoded blocks keyed by CID and query results keyed by
// the canonical form of the query. Every map mutation happens under one mutex;
// the size counters can be read without it.
type DatabaseCache struct {
	mu      sync.Mutex
	tick    uint64
	policy  Policy
	blocks  *tier[*block.Block]
	queries *tier[[]types.Row]

	// gens counts invalidations per table; see Generation.
	gens map[string]uint64

	// root is the schema root the query tier was computed against.
	root string

	metrics *observability.Metrics
	logger  logrus.FieldLogger
}

// New creates an empty cache.
func New(opts Options) *DatabaseCache {
	if opts.MaxBlockBytes <= 0 {
		opts.MaxBlockBytes = DefaultMaxBlockBytes
	}
	if opts.MaxQueryBytes <= 0 {
		opts.MaxQueryBytes = DefaultMaxQueryBytes
	}
	return &DatabaseCache{
		policy:  opts.Policy,
		blocks:  newTier[*block.Block](observability.TierBlock, opts.MaxBlockBytes),
		queries: newTier[[]types.Row](observability.TierQuery, opts.MaxQueryBytes),
		gens:    make(map[string]uint64),
		metrics: opts.Metrics,
		logger:  logging.OrDiscard(opts.Logger).WithField("component", "cache"),
	}
}

func (c *DatabaseCache) pick(policy []Policy) Policy {
	if len(policy) > 0 {
		return policy[0]
	}
	return c.policy
}

// CacheBlock stores a decoded block under its CID, tagged with the owning table.
// It reports false when the block alone exceeds the block budget, in which
// case nothing is cached. Cached blocks are shared and must not be modified.
func (c *DatabaseCache) CacheBlock(table string, id cid.CID, b *block.Block, policy ...Policy) bool {
	data, err := b.Encode()
	if err != nil {
		c.logger.WithError(err).Warn("cannot size block, not caching")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return put(c, c.blocks, id.String(), table, int64(len(data)), b, c.pick(policy))
}

// HasBlock reports whether a block is cached. A later GetBlock can still miss
// if the entry is evicted in between.
func (c *DatabaseCache) HasBlock(id cid.CID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocks.entries[id.String()]
	if !ok {
		c.metrics.CacheMiss(observability.TierBlock)
	}
	return ok
}

// GetBlock returns a cached block and counts the read.
func (c *DatabaseCache) GetBlock(id cid.CID) (*block.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get(c, c.blocks, id.String())
}

// CacheQuery stores the rows produced by the query identified by key.
// The rows are copied.
func (c *DatabaseCache) CacheQuery(table, key string, rows []types.Row, policy ...Policy) bool {
	return c.cacheQuery(table, key, rows, nil, policy)
}

// Generation returns the invalidation count of table. A reader captures it
// together with the table state it queries and hands it to CacheQueryAt.
func (c *DatabaseCache) Generation(table string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[table]
}

// CacheQueryAt stores rows like CacheQuery, unless table was invalidated
// since gen was read. It reports false when the result was dropped.
func (c *DatabaseCache) CacheQueryAt(table, key string, gen uint64, rows []types.Row, policy ...Policy) bool {
	return c.cacheQuery(table, key, rows, &gen, policy)
}

func (c *DatabaseCache) cacheQuery(table, key string, rows []types.Row, gen *uint64, policy []Policy) bool {
	data, err := codec.EncodeMsgPack(rows)
	if err != nil {
		c.logger.WithError(err).Warn("cannot size query result, not caching")
		return false
	}
	stored := cloneRows(rows)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != nil && c.gens[table] != *gen {
		return false
	}
	return put(c, c.queries, key, table, int64(len(data)), stored, c.pick(policy))
}

func cloneRows(rows []types.Row) []types.Row {
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// HasQuery reports whether a result is cached for key.
func (c *DatabaseCache) HasQuery(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.queries.entries[key]
	if !ok {
		c.metrics.CacheMiss(observability.TierQuery)
	}
	return ok
}

// GetQuery returns a copy of a cached result and counts the read.
func (c *DatabaseCache) GetQuery(key string) ([]types.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := get(c, c.queries, key)
	if !ok {
		return nil, false
	}
	return cloneRows(rows), true
}

// InvalidateTable drops every block and query entry tagged with table,
// advances its generation and returns how many entries were removed.
func (c *DatabaseCache) InvalidateTable(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[table]++
	n := invalidate(c.blocks, table) + invalidate(c.queries, table)
	if n > 0 {
		c.metrics.SetCacheBytes(observability.TierBlock, c.blocks.size.Load())
		c.metrics.SetCacheBytes(observability.TierQuery, c.queries.size.Load())
	}
	return n
}

// SetRoot records the schema root the cached query results belong to.
func (c *DatabaseCache) SetRoot(root string) {
	c.mu.Lock()
	c.root = root
	c.mu.Unlock()
}

// Root returns the value last passed to SetRoot or restored from a dump.
func (c *DatabaseCache) Root() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// DropQueries empties the query tier and returns how many entries it held.
// Blocks are content addressed and stay.
func (c *DatabaseCache) DropQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queries.entries)
	c.queries.entries = make(map[string]*entry[[]types.Row])
	c.queries.size.Store(0)
	c.metrics.SetCacheBytes(observability.TierQuery, 0)
	return n
}

// Clear removes every entry.
func (c *DatabaseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks.entries = make(map[string]*entry[*block.Block])
	c.blocks.size.Store(0)
	c.queries.entries = make(map[string]*entry[[]types.Row])
	c.queries.size.Store(0)
}

// BlockCacheSize returns the bytes held by the block tier.
func (c *DatabaseCache) BlockCacheSize() int64 { return c.blocks.size.Load() }

// QueryCacheSize returns the bytes held by the query tier.
func (c *DatabaseCache) QueryCacheSize() int64 { return c.queries.size.Load() }

// MaxBlockCacheSize returns the block tier budget.
func (c *DatabaseCache) MaxBlockCacheSize() int64 { return c.blocks.max }

// MaxQueryCacheSize returns the query tier budget.
func (c *DatabaseCache) MaxQueryCacheSize() int64 { return c.queries.max }

// Len returns the number of cached blocks and queries.
func (c *DatabaseCache) Len() (blocks, queries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks.entries), len(c.queries.entries)
}

func (c *DatabaseCache) touch() uint64 {
	c.tick++
	return c.tick
}

func put[V any](c *DatabaseCache, t *tier[V], key, table string, size int64, value V, policy Policy) bool {
	if size > t.max {
		c.metrics.CacheOversized(t.name)
		c.logger.WithFields(logrus.Fields{"tier": t.name, "size": size, "max": t.max}).Debug("entry exceeds budget, skipped")
		return false
	}

	if old, ok := t.entries[key]; ok {
		delete(t.entries, key)
		t.size.Add(-old.size)
	}

	if t.size.Load()+size > t.max {
		evicted := evict(t, size, policy)
		c.metrics.CacheEvicted(t.name, evicted)
		c.logger.WithFields(logrus.Fields{"tier": t.name, "evicted": evicted, "policy": policy.String()}).Debug("evicted entries")
	}

	t.entries[key] = &entry[V]{table: table, age: c.touch(), size: size, value: value}
	t.size.Add(size)
	c.metrics.SetCacheBytes(t.name, t.size.Load())
	return true
}

func get[V any](c *DatabaseCache, t *tier[V], key string) (V, bool) {
	e, ok := t.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.reads++
	e.age = c.touch()
	c.metrics.CacheHit(t.name)
	return e.value, true
}

// evict removes entries in policy order until size more bytes fit.
func evict[V any](t *tier[V], size int64, policy Policy) int {
	type candidate struct {
		key   string
		age   uint64
		reads uint64
	}
	candidates := make([]candidate, 0, len(t.entries))
	for k, e := range t.entries {
		candidates = append(candidates, candidate{key: k, age: e.age, reads: e.reads})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if policy == EvictLeastRead && candidates[i].reads != candidates[j].reads {
			return candidates[i].reads < candidates[j].reads
		}
		return candidates[i].age < candidates[j].age
	})

	evicted := 0
	for _, cand := range candidates {
		if t.size.Load()+size <= t.max {
			break
		}
		e := t.entries[cand.key]
		delete(t.entries, cand.key)
		t.size.Add(-e.size)
		evicted++
	}
	return evicted
}

func invalidate[V any](t *tier[V], table string) int {
	n := 0
	for k, e := range t.entries {
		if e.table == table {
			delete(t.entries, k)
			t.size.Add(-e.size)
			n++
		}
	}
	return n
}
