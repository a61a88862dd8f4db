package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// decide runs the error handler chain for a failed batch: the node's
// handler, then the definition's global handler, then the engine default.
// fallback is used when every handler leaves the failure unhandled.
func (e *Engine) decide(ctx context.Context, def *flow.Definition, node *flow.Node, cs []*api.FlowContext, cause error, fallback flow.Decision) flow.Decision {
	attempt := 0
	for _, c := range cs {
		if c.Attempt > attempt {
			attempt = c.Attempt
		}
	}
	attempt++
	for _, c := range cs {
		c.Attempt = attempt
		c.LastError = cause.Error()
	}

	maxRetries := e.cfg.MaxRetries
	var handlers []flow.ErrorHandler
	if node != nil {
		if node.MaxRetries > 0 {
			maxRetries = node.MaxRetries
		}
		handlers = append(handlers, node.OnError)
	}
	if def != nil {
		handlers = append(handlers, def.GlobalError())
	}
	handlers = append(handlers, e.cfg.DefaultErrorHandler)

	f := flow.Failure{
		Err:   cause,
		Node:  node,
		Batch: cs,
		Retry: flow.RetryHandle{Attempt: attempt, MaxRetries: maxRetries},
	}
	d := e.safeDecide(ctx, flow.Chain(handlers...), f)
	if d == flow.Unhandled {
		d = fallback
	}
	if d == flow.Retry && (node == nil || f.Retry.Exhausted()) {
		d = flow.Fail
	}
	return d
}

func (e *Engine) safeDecide(ctx context.Context, h flow.ErrorHandler, f flow.Failure) (d flow.Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("error handler panicked", "panic", fmt.Sprint(r))
			d = flow.Fail
		}
	}()
	return h(ctx, f)
}

// handleFailure applies the decision for a batch that failed at node.
func (e *Engine) handleFailure(ctx context.Context, def *flow.Definition, node *flow.Node, cs []*api.FlowContext, cause error) {
	d := e.decide(ctx, def, node, cs, cause, flow.Fail)
	e.apply(ctx, def, node, cs, d, cause)
}

func (e *Engine) apply(ctx context.Context, def *flow.Definition, node *flow.Node, cs []*api.FlowContext, d flow.Decision, cause error) {
	nodeID := ""
	if node != nil {
		nodeID = node.ID
	}
	log := e.logger.With("node", nodeID, "trace_id", cs[0].TraceID, "decision", d.String(), "attempt", cs[0].Attempt)

	switch d {
	case flow.Retry, flow.Defer:
		for _, c := range cs {
			moveTo(c, api.NodeStatusRetryable)
		}
		if err := e.persist(ctx, "mark contexts retryable", e.updater(cs)); err != nil {
			e.abandon(ctx, cs, "mark contexts retryable", err)
			return
		}
		if d == flow.Defer {
			log.Warn("batch deferred", "error", cause)
			return
		}
		log.Info("retrying batch", "error", cause)
		e.retryLater(&batch{def: def, node: node, contexts: cs})

	case flow.Skip:
		for _, c := range cs {
			moveTo(c, api.NodeStatusArchived)
			c.LastError = "skipped: " + cause.Error()
		}
		if err := e.persist(ctx, "archive skipped contexts", e.updater(cs)); err != nil {
			e.abandon(ctx, cs, "archive skipped contexts", err)
			return
		}
		log.Info("batch skipped", "error", cause)
		e.checkComplete(ctx, def, traceIDs(cs))

	default:
		for _, c := range cs {
			moveTo(c, api.NodeStatusError)
		}
		if err := e.persist(ctx, "mark contexts failed", e.updater(cs)); err != nil {
			e.abandon(ctx, cs, "mark contexts failed", err)
			return
		}
		log.Error("batch failed", "error", cause)
		for _, id := range traceIDs(cs) {
			if e.finishTrace(ctx, def, id, api.TraceStatusError, cause) {
				e.discardTrace(ctx, id, fmt.Errorf("trace failed: %w", cause))
			}
		}
	}
}

// retryLater re-delivers b straight to its node after the retry delay.
func (e *Engine) retryLater(b *batch) {
	key := laneKey(b.contexts[0].TraceID, b.def, b.node)
	if e.cfg.RetryDelay <= 0 {
		e.dispatch(key, func(ctx context.Context) { e.admit(ctx, b) })
		return
	}
	e.inflight.Add(1)
	time.AfterFunc(e.cfg.RetryDelay, func() {
		defer e.inflight.Add(-1)
		e.dispatch(key, func(ctx context.Context) { e.admit(ctx, b) })
	})
}
