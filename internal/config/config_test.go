package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merkledb/merkledb/pkg/types"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(cfg.DataDir, "blocks"), cfg.DAG.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "ROOT"), cfg.Schema.RootFile)
	assert.Equal(t, 30*time.Second, cfg.Schema.AutosaveInterval)
}

func TestResolve_PathPerDAGType(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{DAGLevelDB, "blocks"},
		{DAGSQLite, "blocks.sqlite"},
		{DAGLocal, "objects"},
		{DAGMemory, ""},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = "/var/lib/mdb"
			cfg.DAG.Type = tt.typ
			cfg.Resolve()
			if tt.want == "" {
				assert.Empty(t, cfg.DAG.Path)
				return
			}
			assert.Equal(t, filepath.Join("/var/lib/mdb", tt.want), cfg.DAG.Path)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad dag type", func(c *Config) { c.DAG.Type = "tape" }, "invalid dag type"},
		{"s3 without bucket", func(c *Config) { c.DAG.Type = DAGS3 }, "dag.s3.bucket"},
		{"zero cache", func(c *Config) { c.Cache.MaxQueryBytes = 0 }, "cache budgets"},
		{"bad eviction", func(c *Config) { c.Cache.Eviction = "random" }, "cache.eviction"},
		{"zero rollup", func(c *Config) { c.Table.DefaultRollup = 0 }, "default_rollup"},
		{"no schema name", func(c *Config) { c.Schema.Name = "" }, "schema.name"},
		{"negative autosave", func(c *Config) { c.Schema.AutosaveInterval = -time.Second }, "autosave_interval"},
		{"encryption without key", func(c *Config) { c.Encryption.Enabled = true }, "key_file"},
		{"bad table", func(c *Config) {
			c.Schema.Tables = map[string]types.TableDefinition{
				"t": {Indexes: map[string]types.IndexDef{"empty": {}}},
			}
		}, "schema.tables.t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merkledb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/mdb
http:
  addr: ":7000"
  read_timeout: 5s
dag:
  type: sqlite
cache:
  max_block_bytes: 1024
  eviction: oldest
  warm_file: /tmp/mdb/cache.dump
schema:
  name: shop
  tables:
    orders:
      rollup: 50
      indexes:
        byCustomer:
          fields: [customer]
      aggregate:
        total: sum
      search_options: [note]
log:
  level: debug
  format: json
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout, "unset keys keep their defaults")
	assert.Equal(t, DAGSQLite, cfg.DAG.Type)
	assert.Equal(t, "/tmp/mdb/blocks.sqlite", cfg.DAG.Path)
	assert.Equal(t, int64(1024), cfg.Cache.MaxBlockBytes)
	assert.Equal(t, "oldest", cfg.Cache.Eviction)
	assert.Equal(t, "json", cfg.Log.Format)

	orders := cfg.Schema.Tables["orders"]
	assert.Equal(t, 50, orders.Rollup)
	assert.Equal(t, []string{"customer"}, orders.Indexes["byCustomer"].Fields)
	assert.Equal(t, types.AggSum, orders.Aggregate["total"])
	assert.Equal(t, []string{"note"}, orders.SearchOptions)
}

func TestLoadFromFile_JSONAndErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merkledb.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dag":{"type":"memory"},"table":{"default_rollup":7}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DAGMemory, cfg.DAG.Type)
	assert.Equal(t, 7, cfg.Table.DefaultRollup)

	bad := filepath.Join(dir, "merkledb.toml")
	require.NoError(t, os.WriteFile(bad, []byte(""), 0644))
	_, err = LoadFromFile(bad)
	assert.ErrorContains(t, err, "unsupported")

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MERKLEDB_DAG_TYPE", "s3")
	t.Setenv("MERKLEDB_S3_BUCKET", "blocks")
	t.Setenv("MERKLEDB_CACHE_MAX_QUERY_BYTES", "4096")
	t.Setenv("MERKLEDB_TABLE_DEFAULT_ROLLUP", "not-a-number")
	t.Setenv("MERKLEDB_GRPC_ENABLED", "0")
	t.Setenv("MERKLEDB_ENCRYPTION_KEY_FILE", "/etc/mdb.key")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, DAGS3, cfg.DAG.Type)
	assert.Equal(t, "blocks", cfg.DAG.S3.Bucket)
	assert.Equal(t, int64(4096), cfg.Cache.MaxQueryBytes)
	assert.Equal(t, 1000, cfg.Table.DefaultRollup, "malformed numbers are ignored")
	assert.False(t, cfg.GRPC.Enabled)
	assert.True(t, cfg.Encryption.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.DAG.Type = DAGSQLite
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
