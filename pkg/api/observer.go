package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay delivery.
type Observer interface {
	// OnTraceStart is called once when a trace is created by Offer.
	OnTraceStart(ctx context.Context, trace *FlowTrace)

	// OnTraceArchived is called when a trace completes successfully.
	OnTraceArchived(ctx context.Context, trace *FlowTrace)

	// OnTraceFailed is called when a trace transitions to ERROR.
	OnTraceFailed(ctx context.Context, trace *FlowTrace, err error)

	// OnNodeStart is called before a node processes a batch.
	OnNodeStart(ctx context.Context, traceID, nodeID string, batch int)

	// OnNodeCompleted is called after a node returns, for both
	// successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, traceID, nodeID string, batch int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnTraceStart(ctx context.Context, trace *FlowTrace)             {}
func (NoopObserver) OnTraceArchived(ctx context.Context, trace *FlowTrace)          {}
func (NoopObserver) OnTraceFailed(ctx context.Context, trace *FlowTrace, err error) {}
func (NoopObserver) OnNodeStart(ctx context.Context, traceID, nodeID string, batch int) {
}
func (NoopObserver) OnNodeCompleted(ctx context.Context, traceID, nodeID string, batch int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnTraceStart(ctx context.Context, trace *FlowTrace) {
	for _, o := range c.observers {
		o.OnTraceStart(ctx, trace)
	}
}

func (c *CompositeObserver) OnTraceArchived(ctx context.Context, trace *FlowTrace) {
	for _, o := range c.observers {
		o.OnTraceArchived(ctx, trace)
	}
}

func (c *CompositeObserver) OnTraceFailed(ctx context.Context, trace *FlowTrace, err error) {
	for _, o := range c.observers {
		o.OnTraceFailed(ctx, trace, err)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, traceID, nodeID string, batch int) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, traceID, nodeID, batch)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, traceID, nodeID string, batch int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, traceID, nodeID, batch, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs trace / node lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnTraceStart(ctx context.Context, trace *FlowTrace) {
	o.Logger.InfoContext(ctx, "trace_start",
		slog.String("stream", trace.StreamID),
		slog.String("trace_id", trace.ID),
	)
}

func (o *LoggingObserver) OnTraceArchived(ctx context.Context, trace *FlowTrace) {
	o.Logger.InfoContext(ctx, "trace_archived",
		slog.String("stream", trace.StreamID),
		slog.String("trace_id", trace.ID),
	)
}

func (o *LoggingObserver) OnTraceFailed(ctx context.Context, trace *FlowTrace, err error) {
	o.Logger.ErrorContext(ctx, "trace_failed",
		slog.String("stream", trace.StreamID),
		slog.String("trace_id", trace.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, traceID, nodeID string, batch int) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("trace_id", traceID),
		slog.String("node", nodeID),
		slog.Int("batch", batch),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, traceID, nodeID string, batch int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("trace_id", traceID),
		slog.String("node", nodeID),
		slog.Int("batch", batch),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	tracesStarted     atomic.Int64
	tracesArchived    atomic.Int64
	tracesFailed      atomic.Int64
	batchesCompleted  atomic.Int64
	batchesFailed     atomic.Int64
	contextsProcessed atomic.Int64
	totalNodeDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TracesStarted  int64
	TracesArchived int64
	TracesFailed   int64
	RunningTraces  int64

	BatchesCompleted  int64
	BatchesFailed     int64
	ContextsProcessed int64
	AvgNodeDuration   time.Duration
}

func (m *BasicMetrics) OnTraceStart(ctx context.Context, trace *FlowTrace) {
	m.tracesStarted.Add(1)
}

func (m *BasicMetrics) OnTraceArchived(ctx context.Context, trace *FlowTrace) {
	m.tracesArchived.Add(1)
}

func (m *BasicMetrics) OnTraceFailed(ctx context.Context, trace *FlowTrace, err error) {
	m.tracesFailed.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, traceID, nodeID string, batch int, err error, d time.Duration) {
	if err != nil {
		m.batchesFailed.Add(1)
		return
	}
	// Only successful batches count towards the average duration.
	m.batchesCompleted.Add(1)
	m.contextsProcessed.Add(int64(batch))
	m.totalNodeDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.tracesStarted.Load()
	archived := m.tracesArchived.Load()
	failed := m.tracesFailed.Load()
	batches := m.batchesCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if batches > 0 {
		avg = time.Duration(totalNs / batches)
	}

	return BasicMetricsSnapshot{
		TracesStarted:     started,
		TracesArchived:    archived,
		TracesFailed:      failed,
		RunningTraces:     started - archived - failed,
		BatchesCompleted:  batches,
		BatchesFailed:     m.batchesFailed.Load(),
		ContextsProcessed: m.contextsProcessed.Load(),
		AvgNodeDuration:   avg,
	}
}
