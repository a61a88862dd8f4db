package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// Recover resumes running traces that no live worker owns. For each trace
// it can claim, it re-delivers NEW and PENDING contexts, hands READY
// contexts (whose outcome is unknown) to the error handlers with
// flow.ErrRecovered, and leaves RETRYABLE contexts for RetryContexts.
// Unhandled READY contexts are retried within the node's retry budget.
// Traces with nothing left to do are archived. It returns the number of
// traces taken over.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	recovered := 0
	after := ""
	for {
		traces, err := e.store.ListRunningTraces(ctx, after, e.cfg.RecoveryBatchSize)
		if err != nil {
			return recovered, fmt.Errorf("list running traces: %w", err)
		}
		for _, trace := range traces {
			if err := ctx.Err(); err != nil {
				return recovered, err
			}
			ok, err := e.recoverTrace(ctx, trace)
			if err != nil {
				e.logger.Error("recover trace failed", "trace_id", trace.ID, "error", err)
				continue
			}
			if ok {
				recovered++
			}
		}
		if len(traces) < e.cfg.RecoveryBatchSize {
			break
		}
		after = traces[len(traces)-1].ID
	}
	if recovered > 0 {
		e.logger.Info("recovered traces", "count", recovered)
	}
	return recovered, nil
}

func (e *Engine) recoverTrace(ctx context.Context, trace *api.FlowTrace) (bool, error) {
	// Traces this worker already drives are live, not abandoned.
	if e.owner.IsOwn(trace.ID) {
		return false, nil
	}
	owned, err := e.owner.TryOwn(ctx, trace.ID)
	if err != nil || !owned {
		return false, err
	}
	log := e.logger.With("trace_id", trace.ID, "stream_id", trace.StreamID)

	def, err := e.definition(trace.StreamID, trace.Version)
	if err == nil && !def.Active() {
		err = fmt.Errorf("%w: %s", flow.ErrFlowInactive, def)
	}
	if err != nil {
		log.Error("cannot recover trace", "error", fmt.Errorf("%w: %w", flow.ErrDefinition, err))
		_ = e.owner.Release(ctx, trace.ID)
		return false, nil
	}

	active, err := e.store.ListActiveContexts(ctx, trace.ID)
	if err != nil {
		_ = e.owner.Release(ctx, trace.ID)
		return false, err
	}
	if len(active) == 0 {
		e.finishTrace(ctx, def, trace.ID, api.TraceStatusArchived, nil)
		return true, nil
	}

	redeliver := map[string][]*api.FlowContext{}
	var nodes []string
	queue := func(nodeID string, c *api.FlowContext) {
		if _, ok := redeliver[nodeID]; !ok {
			nodes = append(nodes, nodeID)
		}
		redeliver[nodeID] = append(redeliver[nodeID], c)
	}
	inFlight := map[string][]*api.FlowContext{}
	var inFlightNodes []string
	var orphaned []*api.FlowContext

	for _, c := range active {
		node, exists := def.FlowNode(c.Position)
		switch c.Status {
		case api.NodeStatusNew, api.NodeStatusPending:
			if exists {
				queue(node.ID, c)
				continue
			}
			if target, ok := reroute(def, c); ok {
				log.Info("rerouting context from removed node", "context_id", c.ID, "from", c.Position, "to", target.ID)
				c.Position = target.ID
				queue(target.ID, c)
				continue
			}
			orphaned = append(orphaned, c)
		case api.NodeStatusReady:
			if !exists {
				orphaned = append(orphaned, c)
				continue
			}
			if _, ok := inFlight[node.ID]; !ok {
				inFlightNodes = append(inFlightNodes, node.ID)
			}
			inFlight[node.ID] = append(inFlight[node.ID], c)
		case api.NodeStatusRetryable:
			log.Debug("leaving retryable context", "context_id", c.ID, "node", c.Position)
		}
	}

	for _, id := range inFlightNodes {
		node, _ := def.FlowNode(id)
		cs := inFlight[id]
		for _, c := range cs {
			moveTo(c, api.NodeStatusRetryable)
		}
		d := e.decide(ctx, def, node, cs, fmt.Errorf("%w at %s", flow.ErrRecovered, node.ID), flow.Retry)
		e.apply(ctx, def, node, cs, d, flow.ErrRecovered)
	}

	if len(orphaned) > 0 {
		cause := flow.ErrNodeRemoved
		for _, c := range orphaned {
			moveTo(c, api.NodeStatusReady)
		}
		// Only the definition-level handlers apply, the node is gone.
		d := e.decide(ctx, def, nil, orphaned, cause, flow.Fail)
		e.apply(ctx, def, nil, orphaned, d, cause)
	}

	for _, id := range nodes {
		node, _ := def.FlowNode(id)
		e.forward(def, node, redeliver[id])
	}

	if len(nodes) == 0 {
		e.checkComplete(ctx, def, []string{trace.ID})
	}
	log.Info("trace recovered", "redelivered_nodes", len(nodes), "in_flight", len(inFlightNodes), "orphaned", len(orphaned))
	return true, nil
}

// reroute asks the publisher of a context's subscription to route it again
// when the node it was queued for no longer exists.
func reroute(def *flow.Definition, c *api.FlowContext) (*flow.Node, bool) {
	src, ok := def.FromNodeByEvent(c.EventID)
	if !ok {
		return nil, false
	}
	routes := src.Route(c)
	if len(routes) == 0 {
		return nil, false
	}
	c.EventID = routes[0].ID
	return def.FlowNode(routes[0].To)
}
