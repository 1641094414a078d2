// Package app wires the configured DAG, schema and API servers into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	grpcapi "github.com/merkledb/merkledb/internal/api/grpc"
	httpapi "github.com/merkledb/merkledb/internal/api/http"
	"github.com/merkledb/merkledb/internal/cache"
	"github.com/merkledb/merkledb/internal/cid"
	"github.com/merkledb/merkledb/internal/config"
	"github.com/merkledb/merkledb/internal/dag"
	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/internal/observability"
	"github.com/merkledb/merkledb/internal/schema"
	"github.com/merkledb/merkledb/internal/server"
	"github.com/merkledb/merkledb/internal/storage"
)

const statsPruneInterval = time.Minute

// App manages the lifecycle of a merkledb process.
type App struct {
	cfg    *config.Config
	logger logrus.FieldLogger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	dag      dag.DAG
	schema   *schema.Schema
	shutdown *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	rootMu  sync.Mutex
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loops   sync.WaitGroup
}

// New creates an App for cfg.
func New(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &App{cfg: cfg, logger: logger.WithField("component", "app")}, nil
}

// Schema returns the served schema. It is nil before Start.
func (a *App) Schema() *schema.Schema { return a.schema }

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Start opens storage, loads the schema and starts the API servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{Logger: a.logger})

	if err := a.initShared(ctx); err != nil {
		a.abort()
		return err
	}
	if err := a.startHTTP(); err != nil {
		a.abort()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.abort()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.loops.Add(1)
	go a.pruneStats(ctx)
	if every := a.cfg.Schema.AutosaveInterval; every > 0 {
		a.loops.Add(1)
		go a.autosave(ctx, a.schema.Events().Subscribe(), every)
	}

	a.logger.WithFields(logrus.Fields{
		"schema": a.cfg.Schema.Name,
		"dag":    a.cfg.DAG.Type,
		"http":   a.HTTPAddr(),
		"grpc":   a.GRPCAddr(),
	}).Info("merkledb started")
	return nil
}

// initShared opens the DAG, the cache and the schema. Closers are registered
// so that the schema is saved before the DAG is closed.
func (a *App) initShared(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	d, closer, err := OpenDAG(ctx, a.cfg.DAG)
	if err != nil {
		return fmt.Errorf("failed to open dag: %w", err)
	}
	a.dag = d
	if closer != nil {
		a.shutdown.RegisterCloser("dag", server.CloserFunc(closer))
	}

	opts := schema.Options{
		DefaultRollup: a.cfg.Table.DefaultRollup,
		Logger:        a.logger,
		Metrics:       a.metrics,
	}
	if a.cfg.Encryption.Enabled {
		key, err := dag.ReadKeyFile(a.cfg.Encryption.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read encryption key: %w", err)
		}
		opts.Encrypted = true
		opts.Key = &key
	}

	warm := a.cfg.Cache.WarmFile
	if warm != "" && opts.Encrypted {
		a.logger.Warn("cache warm file ignored for encrypted schema")
		warm = ""
	}
	cacheOpts := cache.Options{
		MaxBlockBytes: a.cfg.Cache.MaxBlockBytes,
		MaxQueryBytes: a.cfg.Cache.MaxQueryBytes,
		Policy:        cache.ParsePolicy(a.cfg.Cache.Eviction),
		Metrics:       a.metrics,
		Logger:        a.logger,
	}
	if warm != "" {
		opts.Cache, err = cache.LoadFile(warm, cacheOpts)
		if err != nil {
			a.logger.WithError(err).Warn("cache dump unreadable, starting cold")
			opts.Cache = cache.New(cacheOpts)
		}
	} else {
		opts.Cache = cache.New(cacheOpts)
	}

	if err := a.openSchema(ctx, opts); err != nil {
		return err
	}

	a.shutdown.RegisterCloser("schema", server.CloserFunc(func() error {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.saveNow(saveCtx); err != nil {
			return err
		}
		if warm != "" {
			return a.schema.Cache().SaveFile(warm)
		}
		return nil
	}))
	return nil
}

// openSchema loads the last recorded root or starts an empty schema, then
// creates the configured tables it does not have yet.
func (a *App) openSchema(ctx context.Context, opts schema.Options) error {
	root, err := ReadRoot(a.cfg.Schema.RootFile)
	if err != nil {
		return err
	}
	if root.IsUndef() {
		a.schema, err = schema.New(a.cfg.Schema.Name, a.dag, opts)
	} else {
		a.schema, err = schema.Load(ctx, root, a.dag, opts)
		if err == nil && a.schema.Name() != a.cfg.Schema.Name {
			err = dberrors.NewValidationError(dberrors.CodeSchemaMismatch,
				fmt.Sprintf("root %s holds schema %q, configured %q", root, a.schema.Name(), a.cfg.Schema.Name))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open schema: %w", err)
	}
	if c := a.schema.Cache(); c.Root() != root.String() {
		if n := c.DropQueries(); n > 0 {
			a.logger.WithFields(logrus.Fields{
				"dump_root": c.Root(),
				"root":      root.String(),
				"dropped":   n,
			}).Info("cache dump predates root, query results dropped")
		}
		c.SetRoot(root.String())
	}

	names := make([]string, 0, len(a.cfg.Schema.Tables))
	for name := range a.cfg.Schema.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := a.schema.Table(name); err == nil {
			continue
		}
		if _, err := a.schema.CreateTable(name, a.cfg.Schema.Tables[name]); err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
		a.logger.WithField("table", name).Info("table created")
	}
	a.logger.WithFields(logrus.Fields{
		"root":   root.String(),
		"tables": len(a.schema.Tables()),
	}).Info("schema opened")
	return nil
}

// OpenDAG opens the block store named by cfg. The returned closer is nil
// for stores that hold no resources.
func OpenDAG(ctx context.Context, cfg config.DAGConfig) (dag.DAG, func() error, error) {
	switch cfg.Type {
	case config.DAGMemory:
		return dag.NewMemoryStore(), nil, nil
	case config.DAGLevelDB:
		db, err := dag.OpenLevelDB(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DAGSQLite:
		db, err := dag.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.DAGLocal:
		store, err := storage.NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return dag.NewObjectDAG(store, cfg.Concurrency), nil, nil
	case config.DAGS3:
		s3Cfg := storage.DefaultS3Config()
		if cfg.S3.Region != "" {
			s3Cfg.Region = cfg.S3.Region
		}
		s3Cfg.Endpoint = cfg.S3.Endpoint
		s3Cfg.UsePathStyle = cfg.S3.UsePathStyle
		s3Cfg.Prefix = cfg.S3.Prefix
		store, err := storage.NewS3Storage(ctx, cfg.S3.Bucket, s3Cfg)
		if err != nil {
			return nil, nil, err
		}
		return dag.NewObjectDAG(store, cfg.Concurrency), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dag type: %s", cfg.Type)
	}
}

func (a *App) startHTTP() error {
	h := httpapi.NewHandler(a.schema, httpapi.Options{
		Logger:     a.logger,
		Gatherer:   a.registry,
		OnSave:     a.recordRoot,
		Middleware: []func(http.Handler) http.Handler{server.ShutdownMiddleware(a.shutdown)},
		Done:       a.shutdown.ShutdownCh(),
	})

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      h.Routes(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("addr", lis.Addr().String()).Info("HTTP server listening")
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	a.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		server.UnaryShutdownInterceptor(a.shutdown),
		grpcapi.UnaryLoggingInterceptor(a.logger),
	))
	grpcapi.RegisterTablesServer(a.grpcServer, grpcapi.NewServer(a.schema, grpcapi.Options{
		Logger: a.logger,
		OnSave: a.recordRoot,
	}))

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	a.grpcListener = lis
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.WithError(err).Error("gRPC server error")
		}
	}()
	return nil
}

func (a *App) pruneStats(ctx context.Context) {
	defer a.loops.Done()
	ticker := time.NewTicker(statsPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range a.schema.Tables() {
				t.Stats().Prune()
			}
		}
	}
}

// recordRoot writes root to the root file through a rename, so a crash
// leaves either the old or the new root.
func (a *App) recordRoot(_ context.Context, root cid.CID) error {
	a.rootMu.Lock()
	defer a.rootMu.Unlock()

	path := a.cfg.Schema.RootFile
	tmp, err := os.CreateTemp(filepath.Dir(path), ".root-*")
	if err != nil {
		return fmt.Errorf("record root: %w", err)
	}
	if _, err := tmp.WriteString(root.String() + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("record root: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("record root: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("record root: %w", err)
	}
	a.schema.Cache().SetRoot(root.String())
	a.logger.WithField("root", root.String()).Debug("root recorded")
	return nil
}

// ReadRoot returns the root recorded at path, or cid.Undef when none was recorded.
func ReadRoot(path string) (cid.CID, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cid.Undef, nil
	}
	if err != nil {
		return cid.Undef, fmt.Errorf("read root file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return cid.Undef, nil
	}
	id, err := cid.Parse(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("root file %s: %w", path, err)
	}
	return id, nil
}

// Stop drains requests, saves the schema and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	// Background loops stop before the closers save the schema and close the DAG.
	if a.cancel != nil {
		a.cancel()
	}
	a.wait(ctx, &a.loops)
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wait(ctx, &a.wg)
	return err
}

// abort releases what a failed Start opened.
func (a *App) abort() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wait(context.Background(), &a.loops)
	a.shutdown.Shutdown(context.Background(), "start failed")
	a.wait(context.Background(), &a.wg)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *App) wait(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}
}

// WaitForShutdown blocks until a signal arrives or ctx is done, then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	if stopErr := a.Stop(context.Background()); err == nil {
		err = stopErr
	}
	return err
}
