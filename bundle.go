package waterflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/petrijr/waterflow/internal/config"
	"github.com/petrijr/waterflow/internal/engine"
	"github.com/petrijr/waterflow/internal/lock"
	"github.com/petrijr/waterflow/internal/notify"
	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/internal/taskqueue"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
	workerpkg "github.com/petrijr/waterflow/pkg/worker"
)

// Config is the host configuration read by LoadConfig.
type Config = config.Config

// LoadConfig reads a YAML configuration file, fills defaults and applies
// WATERFLOW_* environment overrides. An empty path uses defaults only.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// WorkerBundle wires together a Runtime, its lock backend, an intake queue
// and a Worker driving both.
type WorkerBundle struct {
	Engine  *Runtime
	Worker  *workerpkg.Worker
	Metrics *api.BasicMetrics
	Logger  *slog.Logger

	// queue is kept unexported; it is primarily useful for inspection in
	// tests. Callers enqueue work through Worker.
	queue   taskqueue.Queue
	closers []func() error
}

// NewBundle builds everything cfg describes: the store, the lock backend,
// the gRPC notification invoker, the engine, the intake queue and the
// worker. Flow definitions found in cfg.Flows.Dir are loaded with handlers
// and registered. logger may be nil, in which case one is built from
// cfg.Log writing to stderr.
func NewBundle(cfg Config, handlers *Handlers, logger *slog.Logger) (b *WorkerBundle, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = cfg.Logger(os.Stderr)
	}
	b = &WorkerBundle{Metrics: &api.BasicMetrics{}, Logger: logger}
	defer func() {
		if err != nil {
			_ = b.closeResources()
		}
	}()

	var (
		db      *sql.DB
		dialect persistence.Dialect
		store   persistence.Store
	)
	switch cfg.Store.Driver {
	case "memory":
		store = persistence.NewInMemoryStore()
	case "sqlite", "postgres":
		driver := "sqlite"
		dialect = persistence.SQLite
		if cfg.Store.Driver == "postgres" {
			driver, dialect = "pgx", persistence.Postgres
		}
		if db, err = sql.Open(driver, cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Store.Driver, err)
		}
		b.closers = append(b.closers, db.Close)
		if cfg.Store.Driver == "sqlite" {
			// SQLite has a single writer.
			db.SetMaxOpenConns(1)
		}
		if store, err = persistence.NewSQLStore(db, dialect); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	locks, err := b.lockStore(cfg.Lock, db, dialect)
	if err != nil {
		return nil, err
	}
	mgr := lock.NewManager(locks, lock.Options{
		WorkerID:     cfg.WorkerID,
		TTL:          cfg.Lock.TTL,
		PollInterval: cfg.Lock.PollInterval,
		Capacity:     cfg.Lock.Capacity,
		Logger:       logger,
	})

	var invoker notify.Invoker = notify.Discard
	if len(cfg.Notify.Targets) > 0 || cfg.Notify.DefaultAddress != "" {
		g := notify.NewGRPCInvoker(notify.GRPCConfig{
			Targets:        cfg.Notify.Targets,
			DefaultAddress: cfg.Notify.DefaultAddress,
			Timeout:        cfg.Notify.Timeout,
		}, logger)
		b.closers = append(b.closers, g.Close)
		invoker = g
	}

	b.Engine = engine.New(store, nil, mgr, engine.Config{
		WorkerID:          cfg.WorkerID,
		Concurrency:       cfg.Engine.Concurrency,
		MaxRetries:        cfg.Engine.MaxRetries,
		RetryDelay:        cfg.Engine.RetryDelay,
		Retention:         cfg.Retention.Keep,
		CleanBatchSize:    cfg.Retention.BatchSize,
		CleanMaxRounds:    cfg.Retention.MaxRounds,
		RecoveryBatchSize: cfg.Engine.RecoveryBatchSize,
		NotifyBatchSize:   cfg.Notify.BatchSize,
		NotifyTimeout:     cfg.Notify.Timeout,
		NotifyLockWait:    cfg.Notify.LockWait,
		NotifyBackoff: engine.Backoff{
			Initial:    cfg.Notify.Backoff.Initial,
			Max:        cfg.Notify.Backoff.Max,
			Multiplier: cfg.Notify.Backoff.Multiplier,
		},
		Observer: api.NewCompositeObserver(api.NewLoggingObserver(logger), b.Metrics),
		Logger:   logger,
		Invoker:  invoker,
	})

	if err := b.loadFlows(cfg.Flows.Dir, handlers); err != nil {
		return nil, err
	}

	switch {
	case cfg.Queue.Backend == "none":
	case cfg.Queue.Backend == "memory" || db == nil:
		b.queue = taskqueue.NewInMemoryQueue()
	default:
		if b.queue, err = taskqueue.NewSQLQueue(db, dialect); err != nil {
			return nil, fmt.Errorf("open task queue: %w", err)
		}
	}

	b.Worker = workerpkg.New(b.Engine, b.queue, workerpkg.Config{
		RecoveryInterval:  cfg.Schedule.Recovery,
		RetentionInterval: cfg.Schedule.Retention,
		NotifyInterval:    cfg.Schedule.Notification,
		Consumers:         cfg.Queue.Consumers,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryInitial:      cfg.Queue.Backoff.Initial,
		RetryMax:          cfg.Queue.Backoff.Max,
		Logger:            logger,
	})
	return b, nil
}

func (b *WorkerBundle) lockStore(cfg config.LockConfig, db *sql.DB, dialect persistence.Dialect) (lock.Store, error) {
	switch cfg.Backend {
	case "sql":
		s, err := lock.NewSQLStore(db, dialect)
		if err != nil {
			return nil, fmt.Errorf("open lock table: %w", err)
		}
		return s, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)
		return lock.NewRedisStore(client, cfg.RedisPrefix), nil
	case "badger":
		kv, err := badger.Open(badger.DefaultOptions(cfg.BadgerDir).WithLogger(nil))
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		b.closers = append(b.closers, kv.Close)
		return lock.NewBadgerStore(kv), nil
	default:
		return lock.NewMemoryStore(), nil
	}
}

func (b *WorkerBundle) loadFlows(dir string, handlers *Handlers) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		b.Logger.Warn("flow directory not found, no flows loaded", "dir", dir)
		return nil
	}
	if handlers == nil {
		handlers = flow.NewHandlers()
	}
	defs, err := flow.LoadHCLDir(dir, handlers)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := b.Engine.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def, err)
		}
		b.Logger.Info("flow registered", "stream_id", def.StreamID, "version", def.Version)
	}
	return nil
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Traces, locks and queued tasks are persisted in
// the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:waterflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := waterflow.NewSQLiteBundle(db, waterflow.EngineConfig{}, worker.Config{})
//	// register flows on bundle.Engine
//	// submit work via bundle.Worker
func NewSQLiteBundle(db *sql.DB, engCfg EngineConfig, workerCfg workerpkg.Config) (*WorkerBundle, error) {
	metrics := &api.BasicMetrics{}
	if engCfg.Observer == nil {
		engCfg.Observer = metrics
	} else {
		engCfg.Observer = api.NewCompositeObserver(engCfg.Observer, metrics)
	}
	eng, err := NewSQLiteEngine(db, engCfg)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	if workerCfg.Logger == nil {
		workerCfg.Logger = engCfg.Logger
	}
	return &WorkerBundle{
		Engine:  eng,
		Worker:  workerpkg.New(eng, q, workerCfg),
		Metrics: metrics,
		Logger:  workerCfg.Logger,
		queue:   q,
	}, nil
}

// Run drives the worker until ctx is cancelled.
func (b *WorkerBundle) Run(ctx context.Context) error {
	return b.Worker.Run(ctx)
}

// Close stops the engine, releasing trace ownership, then closes the
// connections the bundle opened.
func (b *WorkerBundle) Close(ctx context.Context) error {
	var err error
	if b.Engine != nil {
		err = b.Engine.Close(ctx)
	}
	return errors.Join(err, b.closeResources())
}

func (b *WorkerBundle) closeResources() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
