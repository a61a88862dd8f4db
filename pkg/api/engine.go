package api

import (
	"context"
)

// Engine is the public surface of a waterflow engine.
type Engine interface {
	// Offer starts a new trace of the given stream at its START node with
	// one context per payload and returns the trace id.
	Offer(ctx context.Context, streamID string, data ...any) (string, error)

	// OfferTo injects payloads into a running trace at a START or EVENT node.
	OfferTo(ctx context.Context, traceID, nodeID string, data ...any) error

	// OfferContexts re-offers existing contexts at their current position.
	OfferContexts(ctx context.Context, contexts []*FlowContext) error

	// Terminate marks a trace TERMINATED. In-flight processing finishes but
	// no further deliveries are accepted.
	Terminate(ctx context.Context, traceID string) error

	// GetTrace looks up a trace by id.
	GetTrace(ctx context.Context, traceID string) (*FlowTrace, error)

	// ListContexts returns every context of a trace.
	ListContexts(ctx context.Context, traceID string) ([]*FlowContext, error)

	// RetryContexts re-delivers the RETRYABLE contexts of a trace and
	// returns how many were retried.
	RetryContexts(ctx context.Context, traceID string) (int, error)

	// Recover resumes traces abandoned by crashed workers.
	Recover(ctx context.Context) (int, error)

	// Clean deletes terminal traces older than the retention window.
	Clean(ctx context.Context) (int, error)

	// Redeliver retries due outbound notifications.
	Redeliver(ctx context.Context) (int, error)
}
