package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return newTestEngineWithStore(t, persistence.NewInMemoryStore(), cfg)
}

func newTestEngineWithStore(t *testing.T, store persistence.Store, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	e := New(store, nil, nil, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func register(t *testing.T, e *Engine, def *flow.Definition) *flow.Definition {
	t.Helper()
	require.NoError(t, e.Register(def))
	return def
}

// waitTrace waits for the trace to end and for the engine to settle.
func waitTrace(t *testing.T, e *Engine, traceID string) *api.FlowTrace {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trace, err := e.Wait(ctx, traceID)
	require.NoError(t, err)
	require.NoError(t, e.Idle(ctx))
	return trace
}

func runFlow(t *testing.T, e *Engine, streamID string, data ...any) (*api.FlowTrace, []any) {
	t.Helper()
	ctx := context.Background()

	id, err := e.Offer(ctx, streamID, data...)
	require.NoError(t, err)
	trace := waitTrace(t, e, id)

	results, err := e.Results(ctx, id)
	require.NoError(t, err)
	return trace, results
}

func contextsAt(t *testing.T, e *Engine, traceID, nodeID string) []*api.FlowContext {
	t.Helper()
	all, err := e.ListContexts(context.Background(), traceID)
	require.NoError(t, err)
	var out []*api.FlowContext
	for _, c := range all {
		if c.Position == nodeID {
			out = append(out, c)
		}
	}
	return out
}

var double = flow.MapOf(func(_ context.Context, n int) (int, error) { return n * 2, nil })

var sumInts = flow.ReduceOf(func(_ context.Context, xs []int) (int, error) {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total, nil
})

func label(name string) flow.MapFunc {
	return func(_ context.Context, v any) (any, error) {
		return fmt.Sprintf("%s:%v", name, v), nil
	}
}

func isLarge(c *api.FlowContext) bool {
	n, ok := c.Data.(int)
	return ok && n > 100
}

func isEven(c *api.FlowContext) bool {
	n, ok := c.Data.(int)
	return ok && n%2 == 0
}

func TestEngine_LinearFlow(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("orders", "1").
		Start("start").
		Map("double", double).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "orders", 1, 2, 3)

	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.False(t, trace.EndedAt.IsZero())
	assert.ElementsMatch(t, []any{2, 4, 6}, results)

	all, err := e.ListContexts(context.Background(), trace.ID)
	require.NoError(t, err)
	assert.Len(t, all, 9)
	for _, c := range all {
		assert.Equal(t, api.NodeStatusArchived, c.Status, "context at %s", c.Position)
	}
}

func TestEngine_OfferWithoutDataArchivesImmediately(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("empty", "1").Start("start").End("done").MustBuild())

	trace, results := runFlow(t, e, "empty")
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Empty(t, results)
}

func TestEngine_OfferErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	_, err := e.Offer(ctx, "missing", 1)
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)

	def := register(t, e, flow.New("paused", "1").Start("start").End("done").MustBuild())
	def.SetActive(false)
	_, err = e.Offer(ctx, "paused", 1)
	assert.ErrorIs(t, err, flow.ErrFlowInactive)

	require.NoError(t, e.Close(ctx))
	_, err = e.Offer(ctx, "paused", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_ConditionsRouteExclusively(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("route", "1").
		Start("start").
		Conditions("route").
		When(isLarge).To("big").
		Otherwise().To("small").
		Map("big", label("big")).To("done").
		Map("small", label("small")).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "route", 5, 500)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.ElementsMatch(t, []any{"small:5", "big:500"}, results)
}

func TestEngine_BroadcastClonesContexts(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("fanout", "1").
		Start("start").
		Map("a", label("a")).To("done").
		From("start").To("b").
		Map("b", label("b")).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "fanout", 1)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.ElementsMatch(t, []any{"a:1", "b:1"}, results)

	ids := map[string]bool{}
	all, err := e.ListContexts(context.Background(), trace.ID)
	require.NoError(t, err)
	for _, c := range all {
		assert.False(t, ids[c.ID], "duplicate context id %s", c.ID)
		ids[c.ID] = true
	}
}

func TestEngine_SessionTravelsDownstream(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("session", "1").
		Start("start").
		Process("tag", func(_ context.Context, data any, s *api.FlowSession, emit func(any)) error {
			s.Set("tagged", data)
			emit(data)
			return nil
		}).
		Process("read", func(_ context.Context, _ any, s *api.FlowSession, emit func(any)) error {
			v, _ := s.Get("tagged")
			emit(v)
			return nil
		}).
		End("done").
		MustBuild())

	_, results := runFlow(t, e, "session", 7)
	assert.Equal(t, []any{7}, results)
}

func TestEngine_FlatMapAndSubStreamJoin(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("split", "1").
		Start("start").
		FlatMap("split", flow.FlatMapOf(func(_ context.Context, n int) ([]int, error) {
			out := make([]int, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, i)
			}
			return out, nil
		})).
		Map("square", flow.MapOf(func(_ context.Context, n int) (int, error) { return n * n, nil })).
		Join("sum", flow.SubStreamWindow(), sumInts).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "split", 2, 3)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.ElementsMatch(t, []any{5, 14}, results)

	done := contextsAt(t, e, trace.ID, "done")
	require.Len(t, done, 2)
	for _, c := range done {
		assert.Empty(t, c.WindowKey)
		if c.Data == 5 {
			assert.Len(t, c.ParentIDs, 2)
		} else {
			assert.Len(t, c.ParentIDs, 3)
		}
	}
}

func TestEngine_ParallelAllThenJoin(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("parallel", "1").
		Start("start").
		Parallel("fork", flow.ParallelAll, []flow.Branch{
			{Name: "inc", Fn: flow.MapOf(func(_ context.Context, n int) (int, error) { return n + 1, nil })},
			{Name: "tenfold", Fn: flow.MapOf(func(_ context.Context, n int) (int, error) { return n * 10, nil })},
		}).
		Join("collect", flow.SubStreamWindow(), sumInts).
		End("done").
		MustBuild())

	_, results := runFlow(t, e, "parallel", 5)
	assert.Equal(t, []any{56}, results)
}

func TestEngine_CountWindowPairsContexts(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("pairs", "1").
		Start("start").
		Join("pair", flow.CountWindow(2), sumInts).
		End("done").
		MustBuild())

	_, results := runFlow(t, e, "pairs", 1, 2, 3, 4)
	assert.ElementsMatch(t, []any{3, 7}, results)
}

func TestEngine_TimeWindowFiresAfterTimeout(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("timed", "1").
		Start("start").
		Join("batch", flow.TimeWindow(30*time.Millisecond), sumInts).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "timed", 1, 2, 3)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Equal(t, []any{6}, results)
}

func TestEngine_PreFilterDrop(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("evens", "1").
		Start("start").
		Map("double", double, flow.WithPreFilter(flow.DropUnless(isEven))).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "evens", 1, 2)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Equal(t, []any{4}, results)

	var dropped int
	for _, c := range contextsAt(t, e, trace.ID, "double") {
		if c.Data == 1 {
			dropped++
			assert.Equal(t, api.NodeStatusArchived, c.Status)
			assert.Contains(t, c.LastError, "pre-filter")
		}
	}
	assert.Equal(t, 1, dropped)
}

func TestEngine_PreFilterRerouteReachesErrorHandler(t *testing.T) {
	e := newTestEngine(t, Config{})
	var rejected atomic.Int32
	register(t, e, flow.New("evens", "1").
		Start("start").
		Map("double", double,
			flow.WithPreFilter(flow.RerouteUnless(isEven)),
			flow.WithOnError(func(_ context.Context, f flow.Failure) flow.Decision {
				if errors.Is(f.Err, flow.ErrFilterRejected) {
					rejected.Add(int32(len(f.Batch)))
					return flow.Skip
				}
				return flow.Unhandled
			})).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "evens", 1, 2)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Equal(t, []any{4}, results)
	assert.EqualValues(t, 1, rejected.Load())
}

func TestEngine_PostFilterDropArchivesOutput(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("large", "1").
		Start("start").
		Map("double", double, flow.WithPostFilter(flow.DropUnless(func(c *api.FlowContext) bool {
			return c.Data.(int) > 2
		}))).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "large", 1, 2)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Equal(t, []any{4}, results)
}

func TestEngine_PostFilterRerouteFailsBatch(t *testing.T) {
	e := newTestEngine(t, Config{})
	register(t, e, flow.New("large", "1").
		Start("start").
		Map("double", double, flow.WithPostFilter(flow.RerouteUnless(func(c *api.FlowContext) bool {
			return c.Data.(int) > 2
		}))).
		End("done").
		MustBuild())

	trace, results := runFlow(t, e, "large", 1)
	assert.Equal(t, api.TraceStatusError, trace.Status)
	assert.Contains(t, trace.Error, flow.ErrFilterRejected.Error())
	assert.Empty(t, results)
}

func TestEngine_BlockQueuesUntilReleased(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	blk := flow.NewBlock(0)
	blk.Hold()
	def := register(t, e, flow.New("gated", "1").
		Start("start").
		Map("gate", double, flow.WithBlock(blk)).
		End("done").
		MustBuild())

	id, err := e.Offer(ctx, "gated", 21)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.BacklogLen(def, "gate") == 1 }, 2*time.Second, 5*time.Millisecond)

	trace, err := e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.TraceStatusRunning, trace.Status)

	blk.Release()
	trace = waitTrace(t, e, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)
	assert.Zero(t, e.BacklogLen(def, "gate"))

	results, err := e.Results(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []any{42}, results)
}

func TestEngine_BlockBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})

	var inside, maxSeen atomic.Int32
	register(t, e, flow.New("serial", "1").
		Start("start").
		Map("slow", func(_ context.Context, v any) (any, error) {
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			return v, nil
		}, flow.WithBlock(flow.NewBlock(1))).
		End("done").
		MustBuild())

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.Offer(ctx, "serial", i)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.Equal(t, api.TraceStatusArchived, waitTrace(t, e, id).Status)
	}
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestEngine_TerminateStopsQueuedWork(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	blk := flow.NewBlock(0)
	blk.Hold()

	var calls atomic.Int32
	def := register(t, e, flow.New("gated", "1").
		Start("start").
		Map("gate", func(_ context.Context, v any) (any, error) {
			calls.Add(1)
			return v, nil
		}, flow.WithBlock(blk)).
		End("done").
		MustBuild())

	id, err := e.Offer(ctx, "gated", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.BacklogLen(def, "gate") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Terminate(ctx, id))
	assert.Zero(t, e.BacklogLen(def, "gate"))

	trace, err := e.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.TraceStatusTerminated, trace.Status)

	gated := contextsAt(t, e, id, "gate")
	require.Len(t, gated, 1)
	assert.Equal(t, api.NodeStatusError, gated[0].Status)

	blk.Release()
	require.NoError(t, e.Idle(ctx))
	assert.Zero(t, calls.Load())

	assert.ErrorIs(t, e.Terminate(ctx, id), api.ErrTraceTerminal)
	assert.ErrorIs(t, e.OfferTo(ctx, id, "start", 2), api.ErrTraceTerminal)
	assert.ErrorIs(t, e.Terminate(ctx, "missing"), api.ErrTraceNotFound)
}

func TestEngine_OfferToEventNode(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	never := func(*api.FlowContext) bool { return false }
	register(t, e, flow.New("signals", "1").
		Start("start").
		Join("both", flow.CountWindow(2), sumInts).
		End("done").
		From("start").When(never).To("signal").
		Event("signal").To("both").
		MustBuild())

	id, err := e.Offer(ctx, "signals", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, c := range contextsAt(t, e, id, "both") {
			if c.Status == api.NodeStatusPending {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.OfferTo(ctx, id, "nope", 1), flow.ErrNodeNotFound)
	assert.Error(t, e.OfferTo(ctx, id, "both", 1))

	require.NoError(t, e.OfferTo(ctx, id, "signal", 10))
	trace := waitTrace(t, e, id)
	assert.Equal(t, api.TraceStatusArchived, trace.Status)

	results, err := e.Results(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []any{11}, results)
}

func TestEngine_DeliveriesKeepCommitOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{})
	never := func(*api.FlowContext) bool { return false }

	var mu sync.Mutex
	var seen []int
	register(t, e, flow.New("ordered", "1").
		Start("start").
		Join("gate", flow.CountWindow(1000), sumInts).
		End("done").
		From("start").When(never).To("signal").
		Event("signal").
		Map("rec", flow.MapOf(func(_ context.Context, n int) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, n)
			return n, nil
		})).To("gate").
		MustBuild())

	id, err := e.Offer(ctx, "ordered", 0)
	require.NoError(t, err)
	require.NoError(t, e.Idle(ctx))

	want := make([]int, 50)
	for i := range want {
		want[i] = i
		require.NoError(t, e.OfferTo(ctx, id, "signal", i))
	}
	require.NoError(t, e.Idle(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

type recordingObserver struct {
	api.NoopObserver

	mu       sync.Mutex
	started  []string
	archived []string
	failed   []string
	nodes    []string
}

func (o *recordingObserver) OnTraceStart(_ context.Context, trace *api.FlowTrace) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, trace.ID)
}

func (o *recordingObserver) OnTraceArchived(_ context.Context, trace *api.FlowTrace) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.archived = append(o.archived, trace.ID)
}

func (o *recordingObserver) OnTraceFailed(_ context.Context, trace *api.FlowTrace, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, trace.ID)
}

func (o *recordingObserver) OnNodeCompleted(_ context.Context, _, nodeID string, _ int, _ error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes = append(o.nodes, nodeID)
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	metrics := &api.BasicMetrics{}
	e := newTestEngine(t, Config{Observer: api.NewCompositeObserver(obs, metrics)})
	register(t, e, flow.New("observed", "1").
		Start("start").
		Map("check", flow.MapOf(func(_ context.Context, n int) (int, error) {
			if n < 0 {
				return 0, errors.New("negative")
			}
			return n, nil
		})).
		End("done").
		MustBuild())

	ok, _ := runFlow(t, e, "observed", 1)
	bad, _ := runFlow(t, e, "observed", -1)
	assert.Equal(t, api.TraceStatusArchived, ok.Status)
	assert.Equal(t, api.TraceStatusError, bad.Status)

	obs.mu.Lock()
	assert.ElementsMatch(t, []string{ok.ID, bad.ID}, obs.started)
	assert.Equal(t, []string{ok.ID}, obs.archived)
	assert.Equal(t, []string{bad.ID}, obs.failed)
	assert.Contains(t, obs.nodes, "check")
	obs.mu.Unlock()

	snap := metrics.Snapshot()
	assert.EqualValues(t, 2, snap.TracesStarted)
	assert.EqualValues(t, 1, snap.TracesArchived)
	assert.EqualValues(t, 1, snap.TracesFailed)
	assert.EqualValues(t, 0, snap.RunningTraces)
	assert.EqualValues(t, 1, snap.BatchesFailed)
}
