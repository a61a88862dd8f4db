package flow

import (
	"strings"

	"github.com/petrijr/waterflow/pkg/api"
)

// NodeType tags what kind of stage a node is.
type NodeType string

const (
	NodeStart     NodeType = "START"
	NodeState     NodeType = "STATE"
	NodeCondition NodeType = "CONDITION"
	NodeParallel  NodeType = "PARALLEL"
	NodeJoin      NodeType = "JOIN"
	NodeEvent     NodeType = "EVENT"
	NodeEnd       NodeType = "END"
)

// Whether is a predicate gating which contexts may cross an edge or enter
// a branch.
type Whether func(c *api.FlowContext) bool

// Event is a subscription: a directed edge from one node's output to
// another node. A nil Whether accepts every context.
type Event struct {
	ID      string
	From    string
	To      string
	Whether Whether
}

// Accepts reports whether c may cross the edge.
func (e *Event) Accepts(c *api.FlowContext) bool {
	return e.Whether == nil || e.Whether(c)
}

// EventID returns the canonical id of the edge between two nodes.
func EventID(from, to string) string {
	return from + "->" + to
}

// ParseEventID splits an id produced by EventID, ignoring the "#n" suffix
// given to parallel edges.
func ParseEventID(id string) (from, to string, ok bool) {
	from, to, ok = strings.Cut(id, "->")
	if !ok || from == "" || to == "" {
		return "", "", false
	}
	if i := strings.LastIndexByte(to, '#'); i > 0 {
		to = to[:i]
	}
	return from, to, true
}

// Node is one processing stage.
type Node struct {
	ID   string
	Name string
	Type NodeType

	// Events are the outgoing subscriptions in declaration order.
	Events []*Event
	// Exclusive nodes route each output over the first accepting event
	// only. Condition nodes are always exclusive.
	Exclusive bool

	Handler    Handler
	PreFilter  *Filter
	PostFilter *Filter
	Window     Window
	Block      *Block

	OnError    ErrorHandler
	MaxRetries int
	// Notify is the remote target told about every completed batch.
	Notify string
}

// IsStart reports whether n is the entry node.
func (n *Node) IsStart() bool { return n.Type == NodeStart }

// IsEnd reports whether n terminates the flow.
func (n *Node) IsEnd() bool { return n.Type == NodeEnd }

// Route returns the events c should be published on, in order.
func (n *Node) Route(c *api.FlowContext) []*Event {
	var matched []*Event
	var fallback []*Event
	for _, e := range n.Events {
		if e.Whether == nil {
			fallback = append(fallback, e)
			continue
		}
		if e.Whether(c) {
			matched = append(matched, e)
			if n.exclusive() {
				return matched
			}
		}
	}
	if n.exclusive() {
		if len(fallback) > 0 {
			return fallback[:1]
		}
		return nil
	}
	return append(matched, fallback...)
}

func (n *Node) exclusive() bool {
	return n.Exclusive || n.Type == NodeCondition
}
