package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waterflow/internal/lock"
	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// cluster simulates workers sharing one store and one lock backend.
type cluster struct {
	t     *testing.T
	store *persistence.InMemoryStore
	locks *lock.MemoryStore
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, store: persistence.NewInMemoryStore(), locks: lock.NewMemoryStore()}
}

func (c *cluster) worker(id string, defs ...*flow.Definition) *Engine {
	c.t.Helper()
	manager := lock.NewManager(c.locks, lock.Options{
		WorkerID:     id,
		TTL:          150 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	e := New(c.store, nil, manager, Config{Logger: quietLogger()})
	for _, def := range defs {
		require.NoError(c.t, e.Register(def))
	}
	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

// recoverOne retries Recover until the abandoned lease expired and the
// trace was taken over.
func recoverOne(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := e.Recover(context.Background())
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func heldGateFlow(stream string) (*flow.Definition, *flow.Block) {
	blk := flow.NewBlock(0)
	blk.Hold()
	def := flow.New(stream, "1").
		Start("start").
		Map("work", double, flow.WithBlock(blk)).
		End("done").
		MustBuild()
	return def, blk
}

func countingFlow(stream string, calls *atomic.Int32, opts ...flow.NodeOption) *flow.Definition {
	return flow.New(stream, "1").
		Start("start").
		Map("work", func(ctx context.Context, v any) (any, error) {
			calls.Add(1)
			return double(ctx, v)
		}, opts...).
		End("done").
		MustBuild()
}

func seedTrace(t *testing.T, store persistence.Store, def *flow.Definition, position string, status api.NodeStatus, data ...any) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	trace := &api.FlowTrace{
		ID:        uuid.NewString(),
		StreamID:  def.StreamID,
		Version:   def.Version,
		Status:    api.TraceStatusRunning,
		Owner:     "crashed-worker",
		StartNode: def.Start().ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateTrace(ctx, trace))

	var cs []*api.FlowContext
	for _, d := range data {
		cs = append(cs, &api.FlowContext{
			ID:        api.NewContextID(),
			TraceID:   trace.ID,
			StreamID:  def.StreamID,
			Version:   def.Version,
			Position:  position,
			Status:    status,
			Data:      d,
			Session:   api.NewSession(trace.ID),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	require.NoError(t, store.CreateContexts(ctx, cs))
	return trace.ID
}

func TestRecover_RedeliversPendingContexts(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	gated, _ := heldGateFlow("orders")
	first := c.worker("w1", gated)
	id, err := first.Offer(ctx, "orders", 1, 2, 3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.BacklogLen(gated, "work") == 1 }, 2*time.Second, 5*time.Millisecond)
	first.halt()

	var calls atomic.Int32
	second := c.worker("w2", countingFlow("orders", &calls))
	recoverOne(t, second)

	trace := waitTrace(t, second, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.EqualValues(t, 3, calls.Load())

	results, err := second.Results(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{2, 4, 6}, results)

	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover_ReofferNewContextsAtStart(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	var calls atomic.Int32
	def := countingFlow("orders", &calls)
	e := c.worker("w1", def)
	id := seedTrace(t, c.store, def, "start", api.NodeStatusNew, 5)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trace := waitTrace(t, e, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)

	results, err := e.Results(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []any{10}, results)

	trace, err = e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "w1", trace.Owner)
}

func TestRecover_ReadyContextsAreRetried(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	hanging := flow.New("orders", "1").
		Start("start").
		Map("work", func(context.Context, any) (any, error) {
			started <- struct{}{}
			<-unblock
			return nil, nil
		}).
		End("done").
		MustBuild()

	first := c.worker("w1", hanging)
	id, err := first.Offer(ctx, "orders", 4)
	require.NoError(t, err)
	<-started
	first.halt()

	var calls atomic.Int32
	second := c.worker("w2", countingFlow("orders", &calls))
	recoverOne(t, second)

	trace := waitTrace(t, second, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.EqualValues(t, 1, calls.Load())

	results, err := second.Results(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []any{8}, results)

	work := contextsAt(t, second, id, "work")
	require.Len(t, work, 1)
	assert.Equal(t, api.NodeStatusArchived, work[0].Status)
	assert.Equal(t, 1, work[0].Attempt)
}

func TestRecover_DeferLeavesReadyContextsToOperator(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	def := countingFlow("orders", new(atomic.Int32))
	e := c.worker("w1", def)

	var calls atomic.Int32
	deferring := countingFlow("orders", &calls, flow.WithOnError(func(_ context.Context, f flow.Failure) flow.Decision {
		if errors.Is(f.Err, flow.ErrRecovered) {
			return flow.Defer
		}
		return flow.Unhandled
	}))
	other := c.worker("w2", deferring)

	id := seedTrace(t, c.store, def, "work", api.NodeStatusReady, 3)

	n, err := other.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, other.Idle(ctx))

	work := contextsAt(t, other, id, "work")
	require.Len(t, work, 1)
	assert.Equal(t, api.NodeStatusRetryable, work[0].Status)
	assert.Contains(t, work[0].LastError, flow.ErrRecovered.Error())
	assert.Zero(t, calls.Load())

	n, err = other.RetryContexts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trace := waitTrace(t, other, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.EqualValues(t, 1, calls.Load())

	// The first worker never saw the trace.
	assert.False(t, e.Ownership().IsOwn(id))
}

func TestRecover_ReroutesFromRemovedNode(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	gated, _ := heldGateFlow("orders")
	first := c.worker("w1", gated)
	id, err := first.Offer(ctx, "orders", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.BacklogLen(gated, "work") == 1 }, 2*time.Second, 5*time.Millisecond)
	first.halt()

	reshaped := flow.New("orders", "1").
		Start("start").
		Map("replacement", label("replacement")).
		End("done").
		MustBuild()
	second := c.worker("w2", reshaped)
	recoverOne(t, second)

	trace := waitTrace(t, second, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)

	results, err := second.Results(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []any{"replacement:1"}, results)
}

func TestRecover_OrphanedContextsReachGlobalHandler(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	blk := flow.NewBlock(0)
	blk.Hold()
	original := flow.New("orders", "1").
		Start("start").
		Map("prepare", double).
		Map("work", double, flow.WithBlock(blk)).
		End("done").
		MustBuild()
	first := c.worker("w1", original)
	id, err := first.Offer(ctx, "orders", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.BacklogLen(original, "work") == 1 }, 2*time.Second, 5*time.Millisecond)
	first.halt()

	var (
		mu     sync.Mutex
		causes []error
	)
	reshaped := flow.New("orders", "1").
		Start("start").
		Map("other", double).
		End("done").
		OnGlobalError(func(_ context.Context, f flow.Failure) flow.Decision {
			mu.Lock()
			defer mu.Unlock()
			causes = append(causes, f.Err)
			if f.Node == nil && errors.Is(f.Err, flow.ErrNodeRemoved) {
				return flow.Skip
			}
			return flow.Unhandled
		}).
		MustBuild()
	second := c.worker("w2", reshaped)
	recoverOne(t, second)

	trace := waitTrace(t, second, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)

	mu.Lock()
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], flow.ErrNodeRemoved)
	mu.Unlock()

	orphans := contextsAt(t, second, id, "work")
	require.Len(t, orphans, 1)
	assert.Equal(t, api.NodeStatusArchived, orphans[0].Status)
}

func TestRecover_SkipsTracesOfLiveWorkers(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	gated, blk := heldGateFlow("orders")
	live := c.worker("w1", gated)
	id, err := live.Offer(ctx, "orders", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return live.BacklogLen(gated, "work") == 1 }, 2*time.Second, 5*time.Millisecond)

	other := c.worker("w2", countingFlow("orders", new(atomic.Int32)))

	// Outlive the lease TTL to make sure renewal keeps the trace owned.
	time.Sleep(300 * time.Millisecond)
	n, err := other.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = live.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	blk.Release()
	assert.Equal(t, api.TraceStatusArchived, waitTrace(t, live, id).Status)
}

func TestRecover_ArchivesTracesWithoutWork(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	def := countingFlow("orders", new(atomic.Int32))
	e := c.worker("w1", def)
	id := seedTrace(t, c.store, def, "start", api.NodeStatusNew)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trace, err := e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.False(t, e.Ownership().IsOwn(id))
}

func TestRecover_LeavesTracesOfInactiveFlows(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	def := countingFlow("orders", new(atomic.Int32))
	e := c.worker("w1", def)
	def.SetActive(false)
	id := seedTrace(t, c.store, def, "start", api.NodeStatusNew, 1)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	trace, err := e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.TraceStatusRunning, trace.Status)
	assert.False(t, e.Ownership().IsOwn(id))
}

func TestRecover_LeavesRetryableContexts(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)

	var calls atomic.Int32
	def := countingFlow("orders", &calls)
	e := c.worker("w1", def)
	id := seedTrace(t, c.store, def, "work", api.NodeStatusRetryable, 1)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, e.Idle(ctx))
	assert.Zero(t, calls.Load())

	trace, err := e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.TraceStatusRunning, trace.Status)

	retried, err := e.RetryContexts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, api.TraceStatusArchived, waitTrace(t, e, id).Status)
}

func TestRecover_ClosedEngine(t *testing.T) {
	c := newCluster(t)
	e := c.worker("w1")
	require.NoError(t, e.Close(context.Background()))

	_, err := e.Recover(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
