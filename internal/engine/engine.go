// Package engine runs flow definitions: it delivers contexts to nodes,
// commits every hop to the store and drives the recovery, retention and
// notification schedulers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/waterflow/internal/lock"
	"github.com/petrijr/waterflow/internal/notify"
	"github.com/petrijr/waterflow/internal/ownership"
	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Config describes how an Engine behaves. Zero values select defaults.
type Config struct {
	// WorkerID identifies this process as trace owner. Defaults to the
	// lock manager's worker id.
	WorkerID string
	// Concurrency bounds the number of deliveries running at once.
	Concurrency int

	// MaxRetries bounds Retry decisions for nodes without their own limit.
	MaxRetries int
	// RetryDelay is waited before a retried batch is re-delivered.
	RetryDelay time.Duration
	// DefaultErrorHandler runs after the node and definition handlers.
	DefaultErrorHandler flow.ErrorHandler

	// StoreRetries bounds the retries of a failed context write before the
	// trace is released for recovery.
	StoreRetries int
	StoreBackoff Backoff

	// Retention is how long terminal traces are kept.
	Retention      time.Duration
	CleanBatchSize int
	// CleanMaxRounds bounds the pages purged by one Clean call.
	CleanMaxRounds int

	RecoveryBatchSize int

	NotifyBatchSize int
	NotifyTimeout   time.Duration
	// NotifyLockWait bounds how long Redeliver waits for the driver lock.
	NotifyLockWait time.Duration
	NotifyBackoff  Backoff

	Observer api.Observer
	Logger   *slog.Logger
	Invoker  notify.Invoker

	// Now is the clock used by the schedulers.
	Now func() time.Time
}

const (
	DefaultConcurrency       = 64
	DefaultMaxRetries        = 3
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultCleanBatchSize    = 500
	DefaultCleanMaxRounds    = 100
	DefaultRecoveryBatchSize = 100
	DefaultNotifyBatchSize   = 100
	DefaultNotifyTimeout     = 10 * time.Second
	DefaultNotifyLockWait    = 100 * time.Millisecond
	DefaultStoreRetries      = 5
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanBatchSize <= 0 {
		c.CleanBatchSize = DefaultCleanBatchSize
	}
	if c.CleanMaxRounds <= 0 {
		c.CleanMaxRounds = DefaultCleanMaxRounds
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = DefaultRecoveryBatchSize
	}
	if c.NotifyBatchSize <= 0 {
		c.NotifyBatchSize = DefaultNotifyBatchSize
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.NotifyLockWait <= 0 {
		c.NotifyLockWait = DefaultNotifyLockWait
	}
	c.NotifyBackoff = c.NotifyBackoff.withDefaults()
	if c.StoreRetries <= 0 {
		c.StoreRetries = DefaultStoreRetries
	}
	if c.StoreBackoff == (Backoff{}) {
		c.StoreBackoff = Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second}
	}
	c.StoreBackoff = c.StoreBackoff.withDefaults()
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Invoker == nil {
		c.Invoker = notify.Discard
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine executes flow definitions against a Store. It is safe for
// concurrent use.
type Engine struct {
	store    persistence.Store
	flows    *flow.Registry
	locks    *lock.Manager
	owner    *ownership.Service
	cfg      Config
	observer api.Observer
	logger   *slog.Logger

	sem      *semaphore.Weighted
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight atomic.Int64
	closed   atomic.Bool
	halted   atomic.Bool

	mu      sync.Mutex
	windows map[string]*windowBuf
	backlog map[string][]*batch
	hooked  map[string]bool

	laneMu sync.Mutex
	lanes  map[string]*lane
}

// lane is the FIFO of pending deliveries to one node of one trace.
type lane struct {
	queue []func(ctx context.Context)
}

var _ api.Engine = (*Engine)(nil)

// New creates an engine. locks may be nil, in which case an in-process
// lock store is used and ownership only excludes goroutines of this
// process.
func New(store persistence.Store, flows *flow.Registry, locks *lock.Manager, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if flows == nil {
		flows = flow.NewRegistry()
	}
	if locks == nil {
		locks = lock.NewManager(lock.NewMemoryStore(), lock.Options{WorkerID: cfg.WorkerID, Logger: cfg.Logger})
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = locks.WorkerID()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		flows:    flows,
		locks:    locks,
		owner:    ownership.NewService(locks, store, cfg.Logger),
		cfg:      cfg,
		observer: cfg.Observer,
		logger:   cfg.Logger.With("component", "engine", "worker_id", cfg.WorkerID),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		runCtx:   runCtx,
		cancel:   cancel,
		windows:  make(map[string]*windowBuf),
		backlog:  make(map[string][]*batch),
		hooked:   make(map[string]bool),
		lanes:    make(map[string]*lane),
	}
}

// Flows returns the definition registry.
func (e *Engine) Flows() *flow.Registry { return e.flows }

// Store returns the underlying store.
func (e *Engine) Store() persistence.Store { return e.store }

// Ownership returns the trace ownership service.
func (e *Engine) Ownership() *ownership.Service { return e.owner }

// Register adds a definition to the registry.
func (e *Engine) Register(def *flow.Definition) error {
	return e.flows.Register(def)
}

func (e *Engine) definition(streamID, version string) (*flow.Definition, error) {
	def, err := e.flows.Get(streamID, version)
	if err != nil && version != "" {
		def, err = e.flows.Latest(streamID)
	}
	return def, err
}

// Offer starts a trace of streamID with one context per payload.
func (e *Engine) Offer(ctx context.Context, streamID string, data ...any) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	def, err := e.flows.Latest(streamID)
	if err != nil {
		return "", err
	}
	if !def.Active() {
		return "", fmt.Errorf("%w: %s", flow.ErrFlowInactive, def)
	}

	now := e.cfg.Now()
	trace := &api.FlowTrace{
		ID:        uuid.NewString(),
		StreamID:  def.StreamID,
		Version:   def.Version,
		Status:    api.TraceStatusRunning,
		Owner:     e.cfg.WorkerID,
		StartNode: def.Start().ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateTrace(ctx, trace); err != nil {
		return "", fmt.Errorf("create trace: %w", err)
	}
	if _, err := e.owner.TryOwn(ctx, trace.ID); err != nil {
		e.logger.Warn("claim new trace failed", "trace_id", trace.ID, "error", err)
	}
	e.observer.OnTraceStart(ctx, trace)

	contexts := e.newContexts(trace.ID, def, def.Start(), api.NewSession(trace.ID), data)
	if err := e.store.CreateContexts(ctx, contexts); err != nil {
		return trace.ID, fmt.Errorf("create contexts: %w", err)
	}

	if len(contexts) == 0 {
		e.checkComplete(ctx, def, []string{trace.ID})
		return trace.ID, nil
	}
	e.forward(def, def.Start(), contexts)
	return trace.ID, nil
}

func (e *Engine) newContexts(traceID string, def *flow.Definition, node *flow.Node, session *api.FlowSession, data []any) []*api.FlowContext {
	now := e.cfg.Now()
	out := make([]*api.FlowContext, 0, len(data))
	for _, d := range data {
		out = append(out, &api.FlowContext{
			ID:        api.NewContextID(),
			TraceID:   traceID,
			StreamID:  def.StreamID,
			Version:   def.Version,
			Position:  node.ID,
			Status:    api.NodeStatusNew,
			Data:      d,
			Session:   session.Clone(),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out
}

// OfferTo injects payloads into a running trace at a START or EVENT node.
func (e *Engine) OfferTo(ctx context.Context, traceID, nodeID string, data ...any) error {
	if e.closed.Load() {
		return ErrClosed
	}
	trace, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if trace.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrTraceTerminal, traceID, trace.Status)
	}
	def, err := e.definition(trace.StreamID, trace.Version)
	if err != nil {
		return err
	}
	node, ok := def.FlowNode(nodeID)
	if !ok {
		return fmt.Errorf("%w: %q in %s", flow.ErrNodeNotFound, nodeID, def)
	}
	if node.Type != flow.NodeStart && node.Type != flow.NodeEvent {
		return fmt.Errorf("node %q is %s, events can only be offered to START or EVENT nodes", nodeID, node.Type)
	}

	owned, err := e.owner.TryOwn(ctx, traceID)
	if err != nil {
		return err
	}
	if !owned {
		e.logger.Warn("offering to a trace owned by another worker", "trace_id", traceID, "node", nodeID)
	}

	contexts := e.newContexts(traceID, def, node, api.NewSession(traceID), data)
	if err := e.store.CreateContexts(ctx, contexts); err != nil {
		return fmt.Errorf("create contexts: %w", err)
	}
	e.forward(def, node, contexts)
	return nil
}

// OfferContexts re-offers persisted contexts at their current position.
// PENDING and NEW contexts pass through filters and windows again;
// RETRYABLE and READY contexts are delivered straight to their node.
func (e *Engine) OfferContexts(ctx context.Context, contexts []*api.FlowContext) error {
	if e.closed.Load() {
		return ErrClosed
	}
	type group struct {
		def      *flow.Definition
		node     *flow.Node
		direct   bool
		contexts []*api.FlowContext
	}
	groups := map[string]*group{}
	var order []string

	for _, c := range contexts {
		if c.Status.IsTerminal() {
			continue
		}
		def, err := e.definition(c.StreamID, c.Version)
		if err != nil {
			return err
		}
		node, ok := def.FlowNode(c.Position)
		if !ok {
			return fmt.Errorf("%w: %q in %s", flow.ErrNodeNotFound, c.Position, def)
		}
		if _, err := e.owner.TryOwn(ctx, c.TraceID); err != nil {
			return err
		}
		direct := c.Status == api.NodeStatusRetryable || c.Status == api.NodeStatusReady
		key := fmt.Sprintf("%s/%s/%s/%t", c.TraceID, def, node.ID, direct)
		g, ok := groups[key]
		if !ok {
			g = &group{def: def, node: node, direct: direct}
			groups[key] = g
			order = append(order, key)
		}
		g.contexts = append(g.contexts, c)
	}

	for _, key := range order {
		g := groups[key]
		lk := laneKey(g.contexts[0].TraceID, g.def, g.node)
		if g.direct {
			e.dispatch(lk, func(ctx context.Context) { e.admit(ctx, &batch{def: g.def, node: g.node, contexts: g.contexts}) })
		} else {
			e.dispatch(lk, func(ctx context.Context) { e.arrive(ctx, g.def, g.node, g.contexts) })
		}
	}
	return nil
}

// Terminate marks a running trace TERMINATED. Batches already running
// finish, but nothing further is delivered for the trace.
func (e *Engine) Terminate(ctx context.Context, traceID string) error {
	trace, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if trace.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", api.ErrTraceTerminal, traceID, trace.Status)
	}
	ok, err := e.store.UpdateTraceStatus(ctx, traceID, api.TraceStatusTerminated, "terminated", e.cfg.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrTraceTerminal, traceID)
	}

	cause := fmt.Errorf("%w: terminated", api.ErrTraceTerminal)
	e.discardTrace(ctx, traceID, cause)

	active, err := e.store.ListActiveContexts(ctx, traceID)
	if err != nil {
		return err
	}
	var stopped []*api.FlowContext
	for _, c := range active {
		if c.Status == api.NodeStatusReady {
			continue
		}
		if moveTo(c, api.NodeStatusError) {
			c.LastError = cause.Error()
			stopped = append(stopped, c)
		}
	}
	if len(stopped) > 0 {
		if err := e.store.UpdateContexts(ctx, stopped); err != nil {
			return err
		}
	}

	if trace, err := e.store.GetTrace(ctx, traceID); err == nil {
		e.observer.OnTraceFailed(ctx, trace, cause)
	}
	return e.owner.Release(ctx, traceID)
}

// GetTrace looks up a trace.
func (e *Engine) GetTrace(ctx context.Context, traceID string) (*api.FlowTrace, error) {
	return e.store.GetTrace(ctx, traceID)
}

// ListContexts returns every context of a trace.
func (e *Engine) ListContexts(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return e.store.ListContextsByTrace(ctx, traceID)
}

// Results returns the payloads that reached END nodes of a trace.
func (e *Engine) Results(ctx context.Context, traceID string) ([]any, error) {
	trace, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(trace.StreamID, trace.Version)
	if err != nil {
		return nil, err
	}
	contexts, err := e.store.ListContextsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, c := range contexts {
		if c.Status != api.NodeStatusArchived {
			continue
		}
		if n, ok := def.FlowNode(c.Position); ok && n.IsEnd() {
			out = append(out, c.Data)
		}
	}
	return out, nil
}

// RetryContexts re-delivers the RETRYABLE contexts of a running trace.
func (e *Engine) RetryContexts(ctx context.Context, traceID string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	trace, err := e.store.GetTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	if trace.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: %s is %s", api.ErrTraceTerminal, traceID, trace.Status)
	}
	active, err := e.store.ListActiveContexts(ctx, traceID)
	if err != nil {
		return 0, err
	}
	var retry []*api.FlowContext
	for _, c := range active {
		if c.Status == api.NodeStatusRetryable {
			retry = append(retry, c)
		}
	}
	if len(retry) == 0 {
		return 0, nil
	}
	if err := e.OfferContexts(ctx, retry); err != nil {
		return 0, err
	}
	return len(retry), nil
}

// Wait blocks until the trace reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, traceID string) (*api.FlowTrace, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		trace, err := e.store.GetTrace(ctx, traceID)
		if err != nil {
			return nil, err
		}
		if trace.Status.IsTerminal() {
			return trace, nil
		}
		select {
		case <-ctx.Done():
			return trace, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Idle blocks until no delivery is running or scheduled.
func (e *Engine) Idle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for e.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting work, waits for running deliveries and releases
// every owned trace.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := e.Idle(ctx)
	e.cancel()
	e.clearState()
	if rerr := e.owner.ReleaseAll(context.WithoutCancel(ctx)); err == nil {
		err = rerr
	}
	return err
}

// halt simulates a crash: dispatching stops, in-memory state is dropped
// and trace leases are left to expire.
func (e *Engine) halt() {
	e.halted.Store(true)
	e.closed.Store(true)
	e.cancel()
	e.clearState()
	e.owner.Abandon()
}

func (e *Engine) clearState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.windows {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	e.windows = make(map[string]*windowBuf)
	e.backlog = make(map[string][]*batch)
}

// spawn runs fn on its own goroutine once a concurrency slot is free.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	if e.closed.Load() {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Add(-1)
		e.runSlot(fn)
	}()
}

func (e *Engine) runSlot(fn func(ctx context.Context)) {
	if err := e.sem.Acquire(e.runCtx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)
	fn(e.runCtx)
}

func laneKey(traceID string, def *flow.Definition, node *flow.Node) string {
	return traceID + "|" + nodeKey(def, node)
}

// dispatch queues fn on the lane named key. Each lane is drained by a
// single goroutine, so deliveries to one node of one trace run in the
// order they were dispatched. Distinct lanes share the concurrency bound.
func (e *Engine) dispatch(key string, fn func(ctx context.Context)) {
	if e.closed.Load() {
		return
	}
	e.inflight.Add(1)

	e.laneMu.Lock()
	l, running := e.lanes[key]
	if !running {
		l = &lane{}
		e.lanes[key] = l
	}
	l.queue = append(l.queue, fn)
	e.laneMu.Unlock()

	if !running {
		go e.drainLane(key, l)
	}
}

func (e *Engine) drainLane(key string, l *lane) {
	for {
		e.laneMu.Lock()
		if len(l.queue) == 0 {
			delete(e.lanes, key)
			e.laneMu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		e.laneMu.Unlock()

		e.runSlot(fn)
		e.inflight.Add(-1)
	}
}

// forward delivers contexts that crossed into node, one lane per trace,
// keeping their order.
func (e *Engine) forward(def *flow.Definition, node *flow.Node, cs []*api.FlowContext) {
	if len(cs) == 0 {
		return
	}
	byTrace := make(map[string][]*api.FlowContext)
	for _, c := range cs {
		byTrace[c.TraceID] = append(byTrace[c.TraceID], c)
	}
	for _, id := range traceIDs(cs) {
		group := byTrace[id]
		e.dispatch(laneKey(id, def, node), func(ctx context.Context) { e.arrive(ctx, def, node, group) })
	}
}
