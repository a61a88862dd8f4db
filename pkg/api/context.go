package api

import (
	"time"

	"github.com/google/uuid"
)

// FlowContext is one unit of work flowing through a flow graph.
type FlowContext struct {
	// ID is assigned once at creation and never changes.
	ID string
	// TraceID groups all contexts of one workflow run.
	TraceID  string
	StreamID string
	Version  string

	// Position is the id of the node the context currently sits at.
	Position string
	// EventID is the id of the Subscription the context was queued on.
	// It is empty for contexts offered directly at a node.
	EventID string
	Status  NodeStatus

	Data    any
	Session *FlowSession

	// WindowKey groups contexts for fan-in. Sub-streams created by a
	// flat map share the key of their parent context.
	WindowKey string
	// WindowSize is the number of members of the sub-stream the context
	// belongs to, or 0 when unknown.
	WindowSize int
	ParentIDs  []string

	// Attempt counts how many times delivery to the current node failed.
	Attempt   int
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewContextID returns a fresh context identifier.
func NewContextID() string {
	return uuid.NewString()
}

// Derive creates a new context carrying data that descends from c. The
// returned context has a fresh ID, the same trace and a copy of c's session.
func (c *FlowContext) Derive(data any) *FlowContext {
	now := time.Now()
	return &FlowContext{
		ID:         NewContextID(),
		TraceID:    c.TraceID,
		StreamID:   c.StreamID,
		Version:    c.Version,
		Position:   c.Position,
		Status:     NodeStatusNew,
		Data:       data,
		Session:    c.Session.Clone(),
		WindowKey:  c.WindowKey,
		WindowSize: c.WindowSize,
		ParentIDs:  []string{c.ID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a shallow copy of c with its own session and parent slice.
// Data is shared.
func (c *FlowContext) Clone() *FlowContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Session = c.Session.Clone()
	if c.ParentIDs != nil {
		cp.ParentIDs = append([]string(nil), c.ParentIDs...)
	}
	return &cp
}

// SetStatus moves c to next if the status lattice allows it.
func (c *FlowContext) SetStatus(next NodeStatus) error {
	if !c.Status.CanTransition(next) {
		return &TransitionError{ContextID: c.ID, From: c.Status, To: next}
	}
	c.Status = next
	c.UpdatedAt = time.Now()
	return nil
}

// ContextIDs returns the ids of cs in order.
func ContextIDs(cs []*FlowContext) []string {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ID)
	}
	return ids
}
