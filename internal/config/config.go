// Package config provides the configuration of the merkledb server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/merkledb/merkledb/internal/cache"
	"github.com/merkledb/merkledb/internal/logging"
	"github.com/merkledb/merkledb/pkg/types"
)

// DAG backend types.
const (
	DAGMemory  = "memory"
	DAGLevelDB = "leveldb"
	DAGSQLite  = "sqlite"
	DAGLocal   = "local"
	DAGS3      = "s3"
)

// Config holds the configuration of a merkledb process.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// DAG block store configuration
	DAG DAGConfig `json:"dag" yaml:"dag"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Table defaults
	Table TableConfig `json:"table" yaml:"table"`

	// Schema served by the process
	Schema SchemaConfig `json:"schema" yaml:"schema"`

	// Log configuration
	Log logging.Config `json:"log" yaml:"log"`

	// Encryption configuration
	Encryption EncryptionConfig `json:"encryption" yaml:"encryption"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DAGConfig selects and configures the block store.
type DAGConfig struct {
	// Type is the store type: memory, leveldb, sqlite, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the database file or directory (leveldb, sqlite, local)
	Path string `json:"path" yaml:"path"`

	// Concurrency bounds parallel object writes (local, s3)
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// CacheConfig sizes the block and query cache.
type CacheConfig struct {
	// MaxBlockBytes is the budget of the block tier
	MaxBlockBytes int64 `json:"max_block_bytes" yaml:"max_block_bytes"`

	// MaxQueryBytes is the budget of the query tier
	MaxQueryBytes int64 `json:"max_query_bytes" yaml:"max_query_bytes"`

	// Eviction is the default policy: least-read or oldest
	Eviction string `json:"eviction" yaml:"eviction"`

	// WarmFile holds the serialized cache between runs. Empty disables warm start.
	WarmFile string `json:"warm_file" yaml:"warm_file"`
}

// TableConfig holds defaults applied to every table.
type TableConfig struct {
	// DefaultRollup applies to definitions that leave rollup unset
	DefaultRollup int `json:"default_rollup" yaml:"default_rollup"`
}

// SchemaConfig names the served schema and the tables created on first start.
type SchemaConfig struct {
	// Name of the schema
	Name string `json:"name" yaml:"name"`

	// RootFile records the CID of the last saved root
	RootFile string `json:"root_file" yaml:"root_file"`

	// Tables are created when the schema does not have them yet
	Tables map[string]types.TableDefinition `json:"tables" yaml:"tables"`

	// AutosaveInterval saves a changed schema periodically. Zero disables it;
	// the schema is still saved on shutdown.
	AutosaveInterval time.Duration `json:"autosave_interval" yaml:"autosave_interval"`
}

// EncryptionConfig enables encrypted schemas.
type EncryptionConfig struct {
	// Enabled seals blocks and roots
	Enabled bool `json:"enabled" yaml:"enabled"`

	// KeyFile holds the hex encoded 32 byte key
	KeyFile string `json:"key_file" yaml:"key_file"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/merkledb",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		DAG: DAGConfig{
			Type:        DAGLevelDB,
			Concurrency: 8,
		},
		Cache: CacheConfig{
			MaxBlockBytes: cache.DefaultMaxBlockBytes,
			MaxQueryBytes: cache.DefaultMaxQueryBytes,
			Eviction:      cache.EvictLeastRead.String(),
		},
		Table: TableConfig{
			DefaultRollup: 1000,
		},
		Schema: SchemaConfig{
			Name:             "default",
			AutosaveInterval: 30 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/merkledb"
	}

	if c.DAG.Path == "" {
		switch c.DAG.Type {
		case DAGLevelDB:
			c.DAG.Path = filepath.Join(c.DataDir, "blocks")
		case DAGSQLite:
			c.DAG.Path = filepath.Join(c.DataDir, "blocks.sqlite")
		case DAGLocal:
			c.DAG.Path = filepath.Join(c.DataDir, "objects")
		}
	}

	if c.Schema.RootFile == "" {
		c.Schema.RootFile = filepath.Join(c.DataDir, "ROOT")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.DAG.Type {
	case DAGMemory, DAGLevelDB, DAGSQLite, DAGLocal, DAGS3:
	default:
		return fmt.Errorf("invalid dag type: %s (must be memory, leveldb, sqlite, local or s3)", c.DAG.Type)
	}

	if c.DAG.Type == DAGS3 && c.DAG.S3.Bucket == "" {
		return fmt.Errorf("dag.s3.bucket is required when dag type is s3")
	}

	if c.Cache.MaxBlockBytes <= 0 || c.Cache.MaxQueryBytes <= 0 {
		return fmt.Errorf("cache budgets must be positive, got block=%d query=%d",
			c.Cache.MaxBlockBytes, c.Cache.MaxQueryBytes)
	}

	switch strings.ToLower(c.Cache.Eviction) {
	case "", "least-read", "oldest", "lru", "age":
	default:
		return fmt.Errorf("invalid cache.eviction: %s (must be least-read or oldest)", c.Cache.Eviction)
	}

	if c.Table.DefaultRollup < 1 {
		return fmt.Errorf("table.default_rollup must be at least 1, got %d", c.Table.DefaultRollup)
	}

	if c.Schema.Name == "" {
		return fmt.Errorf("schema.name is required")
	}
	if c.Schema.AutosaveInterval < 0 {
		return fmt.Errorf("schema.autosave_interval must not be negative")
	}
	for name, def := range c.Schema.Tables {
		if def.Rollup == 0 {
			def.Rollup = c.Table.DefaultRollup
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("schema.tables.%s: %w", name, err)
		}
	}

	if c.Encryption.Enabled && c.Encryption.KeyFile == "" {
		return fmt.Errorf("encryption.key_file is required when encryption is enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MERKLEDB_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MERKLEDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("MERKLEDB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// gRPC configuration
	if v := os.Getenv("MERKLEDB_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("MERKLEDB_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// DAG configuration
	if v := os.Getenv("MERKLEDB_DAG_TYPE"); v != "" {
		cfg.DAG.Type = v
	}
	if v := os.Getenv("MERKLEDB_DAG_PATH"); v != "" {
		cfg.DAG.Path = v
	}
	envInt(&cfg.DAG.Concurrency, "MERKLEDB_DAG_CONCURRENCY")
	if v := os.Getenv("MERKLEDB_S3_BUCKET"); v != "" {
		cfg.DAG.S3.Bucket = v
	}
	if v := os.Getenv("MERKLEDB_S3_REGION"); v != "" {
		cfg.DAG.S3.Region = v
	}
	if v := os.Getenv("MERKLEDB_S3_ENDPOINT"); v != "" {
		cfg.DAG.S3.Endpoint = v
	}

	// Cache configuration
	envInt64(&cfg.Cache.MaxBlockBytes, "MERKLEDB_CACHE_MAX_BLOCK_BYTES")
	envInt64(&cfg.Cache.MaxQueryBytes, "MERKLEDB_CACHE_MAX_QUERY_BYTES")
	if v := os.Getenv("MERKLEDB_CACHE_EVICTION"); v != "" {
		cfg.Cache.Eviction = v
	}
	if v := os.Getenv("MERKLEDB_CACHE_WARM_FILE"); v != "" {
		cfg.Cache.WarmFile = v
	}

	envInt(&cfg.Table.DefaultRollup, "MERKLEDB_TABLE_DEFAULT_ROLLUP")

	if v := os.Getenv("MERKLEDB_SCHEMA_NAME"); v != "" {
		cfg.Schema.Name = v
	}
	if v := os.Getenv("MERKLEDB_SCHEMA_AUTOSAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Schema.AutosaveInterval = d
		}
	}

	// Log configuration
	if v := os.Getenv("MERKLEDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MERKLEDB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Encryption configuration
	if v := os.Getenv("MERKLEDB_ENCRYPTION_KEY_FILE"); v != "" {
		cfg.Encryption.KeyFile = v
		cfg.Encryption.Enabled = true
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	switch c.DAG.Type {
	case DAGLevelDB, DAGLocal:
		dirs = append(dirs, c.DAG.Path)
	case DAGSQLite:
		dirs = append(dirs, filepath.Dir(c.DAG.Path))
	}
	if c.Cache.WarmFile != "" {
		dirs = append(dirs, filepath.Dir(c.Cache.WarmFile))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
