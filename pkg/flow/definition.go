package flow

import (
	"fmt"
	"sync/atomic"
)

// Definition is an immutable flow graph for one stream and version.
type Definition struct {
	StreamID string
	Version  string

	nodes  map[string]*Node
	order  []string
	events map[string]*Event
	start  *Node

	globalError ErrorHandler
	// notify is the remote target told when a trace completes.
	notify string
	active atomic.Bool
}

// FlowNode returns the node with the given id.
func (d *Definition) FlowNode(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// FromNodeByEvent returns the node publishing on the event with the given
// id. Event ids persisted by an older version of the definition resolve
// through their source node as long as that node still exists. Recovery
// uses it to re-route contexts queued towards a node that was removed.
func (d *Definition) FromNodeByEvent(eventID string) (*Node, bool) {
	if e, ok := d.events[eventID]; ok {
		return d.FlowNode(e.From)
	}
	from, _, ok := ParseEventID(eventID)
	if !ok {
		return nil, false
	}
	return d.FlowNode(from)
}

// Event returns the subscription with the given id.
func (d *Definition) Event(id string) (*Event, bool) {
	e, ok := d.events[id]
	return e, ok
}

// NodeMap returns a copy of the node index.
func (d *Definition) NodeMap() map[string]*Node {
	m := make(map[string]*Node, len(d.nodes))
	for id, n := range d.nodes {
		m[id] = n
	}
	return m
}

// Nodes returns nodes in declaration order.
func (d *Definition) Nodes() []*Node {
	out := make([]*Node, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.nodes[id])
	}
	return out
}

// NodesByType returns nodes of type t in declaration order.
func (d *Definition) NodesByType(t NodeType) []*Node {
	var out []*Node
	for _, id := range d.order {
		if n := d.nodes[id]; n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Start returns the entry node.
func (d *Definition) Start() *Node { return d.start }

// GlobalError returns the catch-all error handler, possibly nil.
func (d *Definition) GlobalError() ErrorHandler { return d.globalError }

// NotifyTarget returns the remote target told about completed traces.
func (d *Definition) NotifyTarget() string { return d.notify }

// Active reports whether new work may be offered.
func (d *Definition) Active() bool { return d.active.Load() }

// SetActive toggles the active flag.
func (d *Definition) SetActive(active bool) { d.active.Store(active) }

func (d *Definition) String() string {
	return fmt.Sprintf("%s@%s", d.StreamID, d.Version)
}

func (d *Definition) validate() error {
	if d.StreamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrDefinition)
	}

	starts := d.NodesByType(NodeStart)
	if len(starts) != 1 {
		return fmt.Errorf("%w: %s has %d START nodes, want exactly 1", ErrDefinition, d, len(starts))
	}
	d.start = starts[0]

	for _, id := range d.order {
		n := d.nodes[id]
		if n.Handler == nil && n.Type != NodeEnd {
			return fmt.Errorf("%w: node %q has no handler", ErrDefinition, id)
		}
		if n.Type == NodeJoin && n.Window == nil {
			return fmt.Errorf("%w: join node %q needs a window", ErrDefinition, id)
		}
		if n.IsEnd() && len(n.Events) > 0 {
			return fmt.Errorf("%w: end node %q has outgoing events", ErrDefinition, id)
		}
		for _, e := range n.Events {
			if _, ok := d.nodes[e.To]; !ok {
				return fmt.Errorf("%w: event %q targets unknown node %q", ErrDefinition, e.ID, e.To)
			}
			if e.To == d.start.ID {
				return fmt.Errorf("%w: event %q targets the START node", ErrDefinition, e.ID)
			}
		}
	}

	seen := map[string]bool{d.start.ID: true}
	queue := []string{d.start.ID}
	for len(queue) > 0 {
		n := d.nodes[queue[0]]
		queue = queue[1:]
		for _, e := range n.Events {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for _, id := range d.order {
		if !seen[id] {
			return fmt.Errorf("%w: node %q is not reachable from START", ErrDefinition, id)
		}
	}
	return nil
}
