package flow

import (
	"errors"
	"fmt"
	"strconv"
)

// NodeOption customizes a node while it is declared.
type NodeOption func(n *Node)

// WithName sets a human readable name.
func WithName(name string) NodeOption { return func(n *Node) { n.Name = name } }

// WithPreFilter gates inputs before the node's handler runs.
func WithPreFilter(f *Filter) NodeOption { return func(n *Node) { n.PreFilter = f } }

// WithPostFilter gates the node's outputs.
func WithPostFilter(f *Filter) NodeOption { return func(n *Node) { n.PostFilter = f } }

// WithWindow makes the node accumulate inputs until w is fulfilled.
func WithWindow(w Window) NodeOption { return func(n *Node) { n.Window = w } }

// WithBlock attaches admission control.
func WithBlock(b *Block) NodeOption { return func(n *Node) { n.Block = b } }

// WithOnError sets the node's error handler.
func WithOnError(h ErrorHandler) NodeOption { return func(n *Node) { n.OnError = h } }

// WithMaxRetries bounds Retry decisions for the node.
func WithMaxRetries(max int) NodeOption { return func(n *Node) { n.MaxRetries = max } }

// WithNotify sends a completion notification to target for every batch the
// node finishes.
func WithNotify(target string) NodeOption { return func(n *Node) { n.Notify = target } }

// WithExclusive routes each output over the first matching event only.
func WithExclusive() NodeOption { return func(n *Node) { n.Exclusive = true } }

// Builder assembles a Definition. Node declarations chain: each declared
// node is linked from the previous one unless the chain was detached by
// To. When and Otherwise set the predicate of the next link.
//
//	flow.New("orders", "1").
//		Start("start").
//		Conditions("route").
//		When(isLarge).To("review").
//		Otherwise().To("ship").
//		Map("review", review).To("ship").
//		Process("ship", ship).
//		End("done").
//		Build()
type Builder struct {
	def      *Definition
	cursor   string
	detached bool
	when     Whether
	errs     []error
}

// New starts a definition for a stream and version.
func New(streamID, version string) *Builder {
	return &Builder{def: &Definition{
		StreamID: streamID,
		Version:  version,
		nodes:    make(map[string]*Node),
		events:   make(map[string]*Event),
	}}
}

func (b *Builder) fail(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Errorf("%w: "+format, append([]any{ErrDefinition}, args...)...))
	return b
}

// Node declares a node of any type and links it from the cursor.
func (b *Builder) Node(id string, typ NodeType, h Handler, opts ...NodeOption) *Builder {
	if id == "" {
		return b.fail("node id is required")
	}
	if _, dup := b.def.nodes[id]; dup {
		return b.fail("duplicate node %q", id)
	}
	n := &Node{ID: id, Name: id, Type: typ, Handler: h}
	for _, opt := range opts {
		opt(n)
	}
	b.def.nodes[id] = n
	b.def.order = append(b.def.order, id)

	if b.cursor != "" && !b.detached && typ != NodeStart {
		b.link(b.cursor, id)
	}
	b.cursor = id
	b.detached = false
	b.when = nil
	return b
}

// Start declares the entry node.
func (b *Builder) Start(id string, opts ...NodeOption) *Builder {
	return b.Node(id, NodeStart, Passthrough, opts...)
}

// Map declares a 1:1 transform.
func (b *Builder) Map(id string, fn MapFunc, opts ...NodeOption) *Builder {
	return b.Node(id, NodeState, MapHandler(fn), opts...)
}

// Process declares a node with session access and an explicit emitter.
func (b *Builder) Process(id string, fn ProcessFunc, opts ...NodeOption) *Builder {
	return b.Node(id, NodeState, ProcessHandler(fn), opts...)
}

// FlatMap declares a node expanding each context into a sub-stream.
func (b *Builder) FlatMap(id string, fn FlatMapFunc, opts ...NodeOption) *Builder {
	return b.Node(id, NodeState, FlatMapHandler(fn), opts...)
}

// Join declares a fan-in node reducing each fulfilled window.
func (b *Builder) Join(id string, w Window, fn ReduceFunc, opts ...NodeOption) *Builder {
	return b.Node(id, NodeJoin, JoinHandler(fn), append([]NodeOption{WithWindow(w)}, opts...)...)
}

// Parallel declares a fork over branches.
func (b *Builder) Parallel(id string, mode ParallelMode, branches []Branch, opts ...NodeOption) *Builder {
	return b.Node(id, NodeParallel, ParallelHandler(mode, branches...), opts...)
}

// Conditions declares an exclusive routing node. Follow it with When /
// Otherwise and To.
func (b *Builder) Conditions(id string, opts ...NodeOption) *Builder {
	return b.Node(id, NodeCondition, Passthrough, opts...)
}

// Event declares a node that external callers can inject payloads into.
func (b *Builder) Event(id string, opts ...NodeOption) *Builder {
	return b.Node(id, NodeEvent, Passthrough, opts...)
}

// End declares a terminal node.
func (b *Builder) End(id string, opts ...NodeOption) *Builder {
	return b.Node(id, NodeEnd, nil, opts...)
}

// When sets the predicate for the next link from the cursor.
func (b *Builder) When(w Whether) *Builder {
	if w == nil {
		return b.fail("nil predicate on node %q, use Otherwise", b.cursor)
	}
	b.when = w
	return b
}

// Otherwise makes the next link from the cursor the fallback route.
func (b *Builder) Otherwise() *Builder {
	b.when = nil
	return b
}

// To links the cursor to node id, which may be declared later. The cursor
// stays put and the next declared node is not linked automatically.
func (b *Builder) To(id string) *Builder {
	if b.cursor == "" {
		return b.fail("To(%q) without a source node", id)
	}
	b.link(b.cursor, id)
	b.detached = true
	b.when = nil
	return b
}

// From moves the cursor to an already declared node.
func (b *Builder) From(id string) *Builder {
	if _, ok := b.def.nodes[id]; !ok {
		return b.fail("From(%q): unknown node", id)
	}
	b.cursor = id
	b.detached = true
	b.when = nil
	return b
}

// Edge adds a link between two nodes without moving the cursor.
func (b *Builder) Edge(from, to string, w Whether) *Builder {
	if _, ok := b.def.nodes[from]; !ok {
		return b.fail("edge from unknown node %q", from)
	}
	saved := b.when
	b.when = w
	b.link(from, to)
	b.when = saved
	return b
}

func (b *Builder) link(from, to string) {
	id := EventID(from, to)
	for i := 2; ; i++ {
		if _, dup := b.def.events[id]; !dup {
			break
		}
		id = EventID(from, to) + "#" + strconv.Itoa(i)
	}
	e := &Event{ID: id, From: from, To: to, Whether: b.when}
	n := b.def.nodes[from]
	n.Events = append(n.Events, e)
	b.def.events[id] = e
	b.when = nil
}

// OnGlobalError sets the catch-all error handler.
func (b *Builder) OnGlobalError(h ErrorHandler) *Builder {
	b.def.globalError = h
	return b
}

// NotifyOnComplete sends a notification to target when a trace finishes.
func (b *Builder) NotifyOnComplete(target string) *Builder {
	b.def.notify = target
	return b
}

// Build validates and returns the definition. The definition starts active.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if err := b.def.validate(); err != nil {
		return nil, err
	}
	b.def.SetActive(true)
	return b.def, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Definition {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
