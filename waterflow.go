package waterflow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/petrijr/waterflow/internal/engine"
	"github.com/petrijr/waterflow/internal/lock"
	"github.com/petrijr/waterflow/internal/notify"
	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// Re-export key types so users don't need to dig into pkg/api and pkg/flow.

type (
	Engine               = api.Engine
	FlowContext          = api.FlowContext
	FlowSession          = api.FlowSession
	FlowTrace            = api.FlowTrace
	Notification         = api.Notification
	NodeStatus           = api.NodeStatus
	TraceStatus          = api.TraceStatus
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	Definition   = flow.Definition
	Builder      = flow.Builder
	Registry     = flow.Registry
	Handlers     = flow.Handlers
	ErrorHandler = flow.ErrorHandler
	Failure      = flow.Failure
	Decision     = flow.Decision

	// Runtime is the concrete engine returned by the constructors. Beyond
	// Engine it registers definitions and waits for traces.
	Runtime = engine.Engine
	// EngineConfig configures a Runtime. Zero values select defaults.
	EngineConfig = engine.Config
	// Backoff shapes notification redelivery delays.
	Backoff = engine.Backoff

	Invoker     = notify.Invoker
	InvokerFunc = notify.InvokerFunc
)

// Re-export common constructors.

var (
	NewFlow              = flow.New
	NewRegistry          = flow.NewRegistry
	NewHandlers          = flow.NewHandlers
	LoadHCL              = flow.LoadHCL
	LoadHCLDir           = flow.LoadHCLDir
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	TraceRunning    = api.TraceStatusRunning
	TraceArchived   = api.TraceStatusArchived
	TraceError      = api.TraceStatusError
	TraceTerminated = api.TraceStatusTerminated
)

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryEngine returns a Runtime backed entirely by in-memory stores
// and in-process locks. Nothing survives the process.
func NewInMemoryEngine(cfg EngineConfig) *Runtime {
	return engine.New(persistence.NewInMemoryStore(), nil, nil, cfg)
}

// NewSQLiteEngine returns a Runtime that persists traces, contexts and
// notifications in a SQLite database and takes its locks from the same
// database.
func NewSQLiteEngine(db *sql.DB, cfg EngineConfig) (*Runtime, error) {
	return newSQLEngine(db, persistence.SQLite, cfg)
}

// NewPostgresEngine returns a Runtime on PostgreSQL (database/sql with the
// pgx driver).
func NewPostgresEngine(db *sql.DB, cfg EngineConfig) (*Runtime, error) {
	return newSQLEngine(db, persistence.Postgres, cfg)
}

func newSQLEngine(db *sql.DB, dialect persistence.Dialect, cfg EngineConfig) (*Runtime, error) {
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect.Name, err)
	}
	locks, err := lock.NewSQLStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("open %s lock store: %w", dialect.Name, err)
	}
	mgr := lock.NewManager(locks, lock.Options{WorkerID: cfg.WorkerID, Logger: cfg.Logger})
	return engine.New(store, nil, mgr, cfg), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Offer starts a trace of streamID with one context per payload.
func Offer(ctx context.Context, eng Engine, streamID string, data ...any) (string, error) {
	return eng.Offer(ctx, streamID, data...)
}

// GetTrace fetches a trace by id.
func GetTrace(ctx context.Context, eng Engine, id string) (*FlowTrace, error) {
	return eng.GetTrace(ctx, id)
}

// Terminate stops a running trace.
func Terminate(ctx context.Context, eng Engine, id string) error {
	return eng.Terminate(ctx, id)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before offering new work:
//
//	n, err := waterflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// Run offers data to streamID, waits for the trace to end and returns it
// together with the payloads archived at its END nodes.
func Run(ctx context.Context, rt *Runtime, streamID string, data ...any) (*FlowTrace, []any, error) {
	id, err := rt.Offer(ctx, streamID, data...)
	if err != nil {
		return nil, nil, err
	}
	trace, err := rt.Wait(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	results, err := rt.Results(ctx, id)
	if err != nil {
		return trace, nil, err
	}
	return trace, results, nil
}
