package cache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/merkledb/merkledb/internal/block"
	"github.com/merkledb/merkledb/internal/codec"
	"github.com/merkledb/merkledb/pkg/types"
)

type dumpBlock struct {
	Key   string `codec:"key"`
	Table string `codec:"table"`
	Age   uint64 `codec:"age"`
	Reads uint64 `codec:"reads"`
	Data  []byte `codec:"data"`
}

type dumpQuery struct {
	Key   string      `codec:"key"`
	Table string      `codec:"table"`
	Age   uint64      `codec:"age"`
	Reads uint64      `codec:"reads"`
	Rows  []types.Row `codec:"rows"`
}

type dump struct {
	MaxBlockBytes int64       `codec:"maxBlockBytes"`
	MaxQueryBytes int64       `codec:"maxQueryBytes"`
	Policy        int         `codec:"policy"`
	Tick          uint64      `codec:"tick"`
	Root          string      `codec:"root"`
	Blocks        []dumpBlock `codec:"blocks"`
	Queries       []dumpQuery `codec:"queries"`
}

// Serialize captures both tiers, their budgets and the recorded schema root
// as one base64 string.
// Entries are written in key order so equal caches serialize identically.
func (c *DatabaseCache) Serialize() (string, error) {
	c.mu.Lock()
	d := dump{
		MaxBlockBytes: c.blocks.max,
		MaxQueryBytes: c.queries.max,
		Policy:        int(c.policy),
		Tick:          c.tick,
		Root:          c.root,
		Blocks:        make([]dumpBlock, 0, len(c.blocks.entries)),
		Queries:       make([]dumpQuery, 0, len(c.queries.entries)),
	}
	for k, e := range c.blocks.entries {
		data, err := e.value.Encode()
		if err != nil {
			c.mu.Unlock()
			return "", fmt.Errorf("cache: encode block %s: %w", k, err)
		}
		d.Blocks = append(d.Blocks, dumpBlock{Key: k, Table: e.table, Age: e.age, Reads: e.reads, Data: data})
	}
	for k, e := range c.queries.entries {
		d.Queries = append(d.Queries, dumpQuery{Key: k, Table: e.table, Age: e.age, Reads: e.reads, Rows: e.value})
	}
	c.mu.Unlock()

	sort.Slice(d.Blocks, func(i, j int) bool { return d.Blocks[i].Key < d.Blocks[j].Key })
	sort.Slice(d.Queries, func(i, j int) bool { return d.Queries[i].Key < d.Queries[j].Key })

	data, err := codec.Encode(codec.KindCacheDump, d)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Deserialize rebuilds a cache from Serialize output. Budgets come from the
// dump unless opts sets them. Each tier's size is recomputed from the entries
// it ends up holding; entries that no longer fit a smaller budget are evicted
// by the cache policy.
func Deserialize(s string, opts Options) (*DatabaseCache, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cache: decode dump: %w", err)
	}
	var d dump
	if err := codec.Decode(data, codec.KindCacheDump, &d); err != nil {
		return nil, fmt.Errorf("cache: decode dump: %w", err)
	}

	if opts.MaxBlockBytes <= 0 {
		opts.MaxBlockBytes = d.MaxBlockBytes
	}
	if opts.MaxQueryBytes <= 0 {
		opts.MaxQueryBytes = d.MaxQueryBytes
	}
	if opts.Policy == EvictLeastRead {
		opts.Policy = Policy(d.Policy)
	}
	c := New(opts)
	c.tick = d.Tick
	c.root = d.Root

	for _, db := range d.Blocks {
		b, err := block.Decode(db.Data)
		if err != nil {
			return nil, fmt.Errorf("cache: block %s: %w", db.Key, err)
		}
		restore(c.blocks, db.Key, &entry[*block.Block]{
			table: db.Table, age: db.Age, reads: db.Reads, size: int64(len(db.Data)), value: b,
		})
	}
	for _, dq := range d.Queries {
		size, err := codec.EncodeMsgPack(dq.Rows)
		if err != nil {
			return nil, fmt.Errorf("cache: query %s: %w", dq.Key, err)
		}
		rows := dq.Rows
		if rows == nil {
			rows = []types.Row{}
		}
		restore(c.queries, dq.Key, &entry[[]types.Row]{
			table: dq.Table, age: dq.Age, reads: dq.Reads, size: int64(len(size)), value: rows,
		})
	}

	c.mu.Lock()
	if c.blocks.size.Load() > c.blocks.max {
		c.metrics.CacheEvicted(c.blocks.name, evict(c.blocks, 0, c.policy))
	}
	if c.queries.size.Load() > c.queries.max {
		c.metrics.CacheEvicted(c.queries.name, evict(c.queries, 0, c.policy))
	}
	c.mu.Unlock()
	return c, nil
}

func restore[V any](t *tier[V], key string, e *entry[V]) {
	if e.size > t.max {
		return
	}
	t.entries[key] = e
	t.size.Add(e.size)
}

// SaveFile writes Serialize output to path atomically.
func (c *DatabaseCache) SaveFile(path string) error {
	s, err := c.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cache: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(s), 0644); err != nil {
		return fmt.Errorf("cache: write dump: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: rename dump: %w", err)
	}
	return nil
}

// LoadFile reads a dump written by SaveFile. A missing file yields an empty cache.
func LoadFile(path string, opts Options) (*DatabaseCache, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(opts), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read dump: %w", err)
	}
	return Deserialize(string(data), opts)
}
