package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/waterflow/internal/persistence"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// batch is one dispatch of contexts to one node.
type batch struct {
	def      *flow.Definition
	node     *flow.Node
	contexts []*api.FlowContext
}

// windowBuf accumulates contexts for one window key at one node.
type windowBuf struct {
	key    string
	def    *flow.Definition
	node   *flow.Node
	inputs []*api.FlowContext
	opened time.Time
	timer  *time.Timer
}

func (w *windowBuf) state(now time.Time) flow.WindowState {
	s := flow.WindowState{
		Key:     w.key,
		Inputs:  append([]*api.FlowContext(nil), w.inputs...),
		Count:   len(w.inputs),
		Elapsed: now.Sub(w.opened),
	}
	for _, c := range w.inputs {
		if c.WindowSize > s.Expected {
			s.Expected = c.WindowSize
		}
		if c.Session != nil && c.Session.Completed {
			s.SessionCompleted = true
		}
	}
	return s
}

func nodeKey(def *flow.Definition, node *flow.Node) string {
	return def.String() + "/" + node.ID
}

// moveTo advances c to status, passing through READY when the lattice
// requires it. It reports false if the move is not allowed.
func moveTo(c *api.FlowContext, status api.NodeStatus) bool {
	if c.SetStatus(status) == nil {
		return true
	}
	if status == api.NodeStatusReady || c.SetStatus(api.NodeStatusReady) != nil {
		return false
	}
	return c.SetStatus(status) == nil
}

func traceIDs(cs []*api.FlowContext) []string {
	seen := make(map[string]bool, len(cs))
	var out []string
	for _, c := range cs {
		if !seen[c.TraceID] {
			seen[c.TraceID] = true
			out = append(out, c.TraceID)
		}
	}
	return out
}

// arrive handles contexts reaching a node over a subscription: the pre
// filter runs first, then the window, then admission.
func (e *Engine) arrive(ctx context.Context, def *flow.Definition, node *flow.Node, cs []*api.FlowContext) {
	cs = e.refuseTerminal(ctx, cs)
	if len(cs) == 0 {
		return
	}

	accepted, rejected := node.PreFilter.Split(cs)
	if len(rejected) > 0 {
		if node.PreFilter.OnReject == flow.RejectReroute {
			e.rejectToHandlers(ctx, def, node, rejected)
		} else {
			e.drop(ctx, def, rejected, "dropped by pre-filter at "+node.ID)
		}
	}
	if len(accepted) == 0 {
		return
	}

	if node.Window != nil {
		fired := e.collect(def, node, accepted)
		e.sweepTerminal(ctx, traceIDs(accepted))
		for _, b := range fired {
			e.admit(ctx, b)
		}
		return
	}
	e.admit(ctx, &batch{def: def, node: node, contexts: accepted})
}

func (e *Engine) rejectToHandlers(ctx context.Context, def *flow.Definition, node *flow.Node, cs []*api.FlowContext) {
	for _, c := range cs {
		moveTo(c, api.NodeStatusReady)
	}
	if err := e.persist(ctx, "mark rejected contexts", e.updater(cs)); err != nil {
		e.abandon(ctx, cs, "mark rejected contexts at "+node.ID, err)
		return
	}
	e.handleFailure(ctx, def, node, cs, fmt.Errorf("%w at %s", flow.ErrFilterRejected, node.ID))
}

// drop archives contexts without processing them.
func (e *Engine) drop(ctx context.Context, def *flow.Definition, cs []*api.FlowContext, reason string) {
	for _, c := range cs {
		if moveTo(c, api.NodeStatusArchived) {
			c.LastError = reason
		}
	}
	if err := e.persist(ctx, "drop contexts", e.updater(cs)); err != nil {
		e.abandon(ctx, cs, "drop contexts", err)
		return
	}
	e.checkComplete(ctx, def, traceIDs(cs))
}

// refuseTerminal moves contexts of terminal traces to ERROR and returns
// the rest.
func (e *Engine) refuseTerminal(ctx context.Context, cs []*api.FlowContext) []*api.FlowContext {
	status := make(map[string]api.TraceStatus)
	for _, id := range traceIDs(cs) {
		trace, err := e.store.GetTrace(ctx, id)
		switch {
		case errors.Is(err, api.ErrTraceNotFound):
			status[id] = api.TraceStatusTerminated
		case err != nil:
			// Leave the contexts where they are, recovery retries them.
			e.logger.Error("load trace failed", "trace_id", id, "error", err)
			status[id] = ""
		default:
			status[id] = trace.Status
		}
	}

	var keep, refused []*api.FlowContext
	for _, c := range cs {
		s := status[c.TraceID]
		switch {
		case s == "":
		case s.IsTerminal():
			if moveTo(c, api.NodeStatusError) {
				c.LastError = fmt.Sprintf("trace %s", s)
				refused = append(refused, c)
			}
		default:
			keep = append(keep, c)
		}
	}
	if len(refused) > 0 {
		if err := e.store.UpdateContexts(ctx, refused); err != nil && !errors.Is(err, api.ErrContextNotFound) {
			e.logger.Error("refuse contexts failed", "error", err)
		}
	}
	return keep
}

// collect adds contexts to their windows and returns the batches of
// windows that became fulfilled.
func (e *Engine) collect(def *flow.Definition, node *flow.Node, cs []*api.FlowContext) []*batch {
	now := e.cfg.Now()
	prefix := nodeKey(def, node) + "#"

	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []*batch
	for _, c := range cs {
		key := prefix + node.Window.Key(c)
		w, ok := e.windows[key]
		if !ok {
			w = &windowBuf{key: key, def: def, node: node, opened: now}
			e.windows[key] = w
			if tw, timed := node.Window.(flow.TimedWindow); timed && tw.Timeout() > 0 {
				w.timer = time.AfterFunc(tw.Timeout(), func() {
					e.spawn(func(ctx context.Context) { e.expireWindow(ctx, w) })
				})
			}
		}
		if containsContext(w.inputs, c.ID) {
			continue
		}
		w.inputs = append(w.inputs, c)
		if node.Window.Fulfilled(w.state(now)) {
			fired = append(fired, e.closeWindowLocked(w))
		}
	}
	return fired
}

func containsContext(cs []*api.FlowContext, id string) bool {
	for _, c := range cs {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) closeWindowLocked(w *windowBuf) *batch {
	delete(e.windows, w.key)
	if w.timer != nil {
		w.timer.Stop()
	}
	return &batch{def: w.def, node: w.node, contexts: w.inputs}
}

// expireWindow re-evaluates a timed window after its timeout.
func (e *Engine) expireWindow(ctx context.Context, w *windowBuf) {
	e.mu.Lock()
	if cur, ok := e.windows[w.key]; !ok || cur != w {
		e.mu.Unlock()
		return
	}
	if !w.node.Window.Fulfilled(w.state(e.cfg.Now())) {
		e.mu.Unlock()
		return
	}
	b := e.closeWindowLocked(w)
	e.mu.Unlock()

	e.admit(ctx, b)
}

// admit runs b now if the node's block lets it in, otherwise queues it in
// the node backlog.
func (e *Engine) admit(ctx context.Context, b *batch) {
	blk := b.node.Block
	if blk == nil {
		e.run(ctx, b)
		return
	}

	e.hook(b.def, b.node)
	if blk.Acquire() {
		defer blk.Done()
		e.run(ctx, b)
		return
	}

	key := nodeKey(b.def, b.node)
	e.mu.Lock()
	e.backlog[key] = append(e.backlog[key], b)
	e.mu.Unlock()
	e.sweepTerminal(ctx, traceIDs(b.contexts))
	// The block may have opened between Acquire and the enqueue.
	e.drain(b.def, b.node)
}

// sweepTerminal discards buffered contexts of traces that ended while
// they were being buffered. Traces are marked terminal before they are
// discarded, so either the discard or this sweep sees the contexts.
func (e *Engine) sweepTerminal(ctx context.Context, ids []string) {
	for _, id := range ids {
		trace, err := e.store.GetTrace(ctx, id)
		if err != nil || !trace.Status.IsTerminal() {
			continue
		}
		e.discardTrace(ctx, id, fmt.Errorf("%w: %s", api.ErrTraceTerminal, trace.Status))
	}
}

func (e *Engine) hook(def *flow.Definition, node *flow.Node) {
	key := nodeKey(def, node)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hooked[key] {
		return
	}
	e.hooked[key] = true
	node.Block.OnOpen(func() { e.drain(def, node) })
}

// drain starts queued batches while the block admits them.
func (e *Engine) drain(def *flow.Definition, node *flow.Node) {
	key := nodeKey(def, node)
	blk := node.Block
	for !e.closed.Load() {
		e.mu.Lock()
		q := e.backlog[key]
		if len(q) == 0 || !blk.Acquire() {
			e.mu.Unlock()
			return
		}
		b := q[0]
		if len(q) == 1 {
			delete(e.backlog, key)
		} else {
			e.backlog[key] = q[1:]
		}
		e.mu.Unlock()

		e.spawn(func(ctx context.Context) {
			defer blk.Done()
			e.run(ctx, b)
		})
	}
}

// BacklogLen returns the number of queued batches at a node.
func (e *Engine) BacklogLen(def *flow.Definition, nodeID string) int {
	node, ok := def.FlowNode(nodeID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backlog[nodeKey(def, node)])
}

// run processes one admitted batch.
func (e *Engine) run(ctx context.Context, b *batch) {
	cs := e.refuseTerminal(ctx, b.contexts)
	if len(cs) == 0 {
		return
	}
	for _, c := range cs {
		moveTo(c, api.NodeStatusReady)
	}
	if err := e.persist(ctx, "mark contexts ready", e.updater(cs)); err != nil {
		e.abandon(ctx, cs, "mark contexts ready at "+b.node.ID, err)
		return
	}

	traceID := cs[0].TraceID
	e.observer.OnNodeStart(ctx, traceID, b.node.ID, len(cs))
	start := time.Now()
	out := &flow.Output{}
	err := e.invoke(ctx, b.node, cs, out)
	e.observer.OnNodeCompleted(ctx, traceID, b.node.ID, len(cs), err, time.Since(start))

	if e.halted.Load() {
		return
	}
	if err != nil {
		e.handleFailure(ctx, b.def, b.node, cs, err)
		return
	}
	e.complete(ctx, b.def, b.node, cs, out)
}

func (e *Engine) invoke(ctx context.Context, node *flow.Node, cs []*api.FlowContext, out *flow.Output) (err error) {
	if node.Handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.ID, r)
		}
	}()
	return node.Handler.Process(ctx, cs, out)
}

// complete commits a successful batch: inputs are archived and every
// output is created PENDING on each subscription it matches, in one
// transaction. Downstream nodes see the outputs only after the commit.
func (e *Engine) complete(ctx context.Context, def *flow.Definition, node *flow.Node, inputs []*api.FlowContext, out *flow.Output) {
	children := make([]*api.FlowContext, 0, out.Len())
	for _, em := range out.Items() {
		child, err := e.derive(em)
		if err != nil {
			e.handleFailure(ctx, def, node, inputs, err)
			return
		}
		children = append(children, child)
	}

	accepted, rejected := node.PostFilter.Split(children)
	if len(rejected) > 0 && node.PostFilter.OnReject == flow.RejectReroute {
		e.handleFailure(ctx, def, node, inputs,
			fmt.Errorf("%w: %d outputs at %s", flow.ErrFilterRejected, len(rejected), node.ID))
		return
	}

	var create []*api.FlowContext
	for _, c := range rejected {
		moveTo(c, api.NodeStatusArchived)
		c.LastError = "dropped by post-filter at " + node.ID
		create = append(create, c)
	}

	next := make(map[string][]*api.FlowContext)
	var targets []string
	for _, c := range accepted {
		routes := node.Route(c)
		if len(routes) == 0 {
			moveTo(c, api.NodeStatusArchived)
			if !node.IsEnd() {
				c.LastError = "no matching route at " + node.ID
			}
			create = append(create, c)
			continue
		}
		copies := make([]*api.FlowContext, len(routes))
		copies[0] = c
		for i := 1; i < len(routes); i++ {
			cp := c.Clone()
			cp.ID = api.NewContextID()
			copies[i] = cp
		}
		for i, ev := range routes {
			cp := copies[i]
			cp.Position = ev.To
			cp.EventID = ev.ID
			moveTo(cp, api.NodeStatusPending)
			create = append(create, cp)
			if _, seen := next[ev.To]; !seen {
				targets = append(targets, ev.To)
			}
			next[ev.To] = append(next[ev.To], cp)
		}
	}

	for _, c := range inputs {
		moveTo(c, api.NodeStatusArchived)
	}

	var notes []*api.Notification
	if node.Notify != "" {
		notes = append(notes, e.nodeNotification(def, node, inputs, len(children)))
	}

	tr := persistence.Transition{Update: inputs, Create: create, Notify: notes}
	if err := e.persist(ctx, "commit batch", func(ctx context.Context) error { return e.store.Commit(ctx, tr) }); err != nil {
		// Inputs stay READY in the store.
		e.abandon(ctx, inputs, "commit batch at "+node.ID, err)
		return
	}

	for _, id := range targets {
		if target, ok := def.FlowNode(id); ok {
			e.forward(def, target, next[id])
		}
	}
	e.checkComplete(ctx, def, traceIDs(inputs))
}

func (e *Engine) derive(em flow.Emitted) (*api.FlowContext, error) {
	if len(em.Parents) == 0 || em.Parents[0] == nil {
		return nil, errors.New("output emitted without a parent context")
	}
	child := em.Parents[0].Derive(em.Data)
	if len(em.Parents) > 1 {
		sessions := make([]*api.FlowSession, 0, len(em.Parents))
		for _, p := range em.Parents {
			sessions = append(sessions, p.Session)
		}
		merged, err := api.MergeSessions(sessions...)
		if err != nil {
			return nil, fmt.Errorf("merge sessions: %w", err)
		}
		child.Session = merged
		child.ParentIDs = api.ContextIDs(em.Parents)
		child.WindowKey = ""
		child.WindowSize = 0
	}
	if em.WindowKey != "" {
		child.WindowKey = em.WindowKey
		child.WindowSize = em.WindowSize
	}
	now := e.cfg.Now()
	child.CreatedAt, child.UpdatedAt = now, now
	return child, nil
}

func (e *Engine) nodeNotification(def *flow.Definition, node *flow.Node, inputs []*api.FlowContext, outputs int) *api.Notification {
	n := api.NewNotification(api.NotificationNodeCompleted, node.Notify, inputs[0].TraceID, node.ID)
	n.ContextID = inputs[0].ID
	ids := make([]any, 0, len(inputs))
	for _, c := range inputs {
		ids = append(ids, c.ID)
	}
	n.Payload["stream_id"] = def.StreamID
	n.Payload["version"] = def.Version
	n.Payload["contexts"] = ids
	n.Payload["outputs"] = outputs
	return n
}

// checkComplete archives traces that have no active contexts left.
func (e *Engine) checkComplete(ctx context.Context, def *flow.Definition, ids []string) {
	for _, id := range ids {
		n, err := e.store.CountActiveContexts(ctx, id)
		if err != nil {
			e.logger.Error("count active contexts failed", "trace_id", id, "error", err)
			continue
		}
		if n == 0 {
			e.finishTrace(ctx, def, id, api.TraceStatusArchived, nil)
		}
	}
}

// finishTrace moves a running trace to a terminal status. It reports
// whether this call made the change.
func (e *Engine) finishTrace(ctx context.Context, def *flow.Definition, traceID string, status api.TraceStatus, cause error) bool {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := e.store.UpdateTraceStatus(ctx, traceID, status, msg, e.cfg.Now())
	if err != nil {
		e.logger.Error("update trace status failed", "trace_id", traceID, "status", status, "error", err)
		return false
	}
	if !ok {
		return false
	}

	if trace, err := e.store.GetTrace(ctx, traceID); err == nil {
		if status == api.TraceStatusArchived {
			e.observer.OnTraceArchived(ctx, trace)
		} else {
			e.observer.OnTraceFailed(ctx, trace, cause)
		}
	}

	if def != nil && def.NotifyTarget() != "" {
		n := api.NewNotification(api.NotificationTraceCompleted, def.NotifyTarget(), traceID, "")
		n.Payload["stream_id"] = def.StreamID
		n.Payload["version"] = def.Version
		n.Payload["status"] = string(status)
		if msg != "" {
			n.Payload["error"] = msg
		}
		if err := e.store.SaveNotification(ctx, n); err != nil {
			e.logger.Error("save trace notification failed", "trace_id", traceID, "error", err)
		}
	}

	if err := e.owner.Release(ctx, traceID); err != nil {
		e.logger.Warn("release trace failed", "trace_id", traceID, "error", err)
	}
	return true
}

// discardTrace removes a trace's contexts from windows and backlogs and
// moves them to ERROR.
func (e *Engine) discardTrace(ctx context.Context, traceID string, cause error) {
	var dropped []*api.FlowContext

	e.mu.Lock()
	for key, w := range e.windows {
		keep := w.inputs[:0]
		for _, c := range w.inputs {
			if c.TraceID == traceID {
				dropped = append(dropped, c)
			} else {
				keep = append(keep, c)
			}
		}
		w.inputs = keep
		if len(keep) == 0 {
			if w.timer != nil {
				w.timer.Stop()
			}
			delete(e.windows, key)
		}
	}
	for key, q := range e.backlog {
		var rest []*batch
		for _, b := range q {
			var keep []*api.FlowContext
			for _, c := range b.contexts {
				if c.TraceID == traceID {
					dropped = append(dropped, c)
				} else {
					keep = append(keep, c)
				}
			}
			if len(keep) > 0 {
				b.contexts = keep
				rest = append(rest, b)
			}
		}
		if len(rest) == 0 {
			delete(e.backlog, key)
		} else {
			e.backlog[key] = rest
		}
	}
	e.mu.Unlock()

	var failed []*api.FlowContext
	for _, c := range dropped {
		if moveTo(c, api.NodeStatusError) {
			c.LastError = cause.Error()
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		if err := e.store.UpdateContexts(ctx, failed); err != nil {
			e.logger.Error("discard trace contexts failed", "trace_id", traceID, "error", err)
		}
	}
}

func (e *Engine) updater(cs []*api.FlowContext) func(context.Context) error {
	return func(ctx context.Context) error { return e.store.UpdateContexts(ctx, cs) }
}

// persist runs a store write, retrying transient failures with
// exponential backoff up to StoreRetries times.
func (e *Engine) persist(ctx context.Context, what string, write func(context.Context) error) error {
	op := func() error {
		err := write(ctx)
		if errors.Is(err, api.ErrContextNotFound) || errors.Is(err, api.ErrTraceNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.cfg.StoreBackoff.exponential(), uint64(e.cfg.StoreRetries)), ctx)
	return backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		e.logger.Warn(what+" failed, retrying", "delay", d, "error", err)
	})
}

// abandon gives up on contexts whose new state could not be written. Their
// traces are released so the next Recover cycle, on this worker or
// another, resumes them from the stored state.
func (e *Engine) abandon(ctx context.Context, cs []*api.FlowContext, what string, cause error) {
	if e.halted.Load() {
		return
	}
	for _, id := range traceIDs(cs) {
		e.logger.Error(what+" failed, releasing trace for recovery", "trace_id", id, "error", cause)
		if err := e.owner.Release(context.WithoutCancel(ctx), id); err != nil {
			e.logger.Warn("release trace failed", "trace_id", id, "error", err)
		}
	}
}
