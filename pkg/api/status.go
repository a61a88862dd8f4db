package api

// NodeStatus is the state of a FlowContext at its current node position.
type NodeStatus string

const (
	// NodeStatusNew marks a context that was created but not yet queued.
	NodeStatusNew NodeStatus = "NEW"
	// NodeStatusPending marks a context queued on a Subscription and
	// persisted, but not yet delivered to its target node.
	NodeStatusPending NodeStatus = "PENDING"
	// NodeStatusReady marks a context delivered to a node whose processing
	// has not been confirmed yet.
	NodeStatusReady NodeStatus = "READY"
	// NodeStatusArchived is the terminal success state.
	NodeStatusArchived NodeStatus = "ARCHIVED"
	// NodeStatusError is the terminal failure state.
	NodeStatusError NodeStatus = "ERROR"
	// NodeStatusRetryable marks work that should be re-delivered rather
	// than treated as failed.
	NodeStatusRetryable NodeStatus = "RETRYABLE"
)

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusNew:       {NodeStatusPending, NodeStatusReady, NodeStatusError},
	NodeStatusPending:   {NodeStatusReady, NodeStatusError},
	NodeStatusReady:     {NodeStatusArchived, NodeStatusError, NodeStatusRetryable},
	NodeStatusRetryable: {NodeStatusReady, NodeStatusArchived, NodeStatusError},
}

// IsTerminal reports whether no further transition is possible.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusArchived || s == NodeStatusError
}

// CanTransition reports whether a context may move from s to next.
// Staying in the same status is allowed for every non-terminal status so
// that re-persisting a context is never rejected.
func (s NodeStatus) CanTransition(next NodeStatus) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, allowed := range nodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActiveNodeStatuses lists every non-terminal status.
var ActiveNodeStatuses = []NodeStatus{
	NodeStatusNew,
	NodeStatusPending,
	NodeStatusReady,
	NodeStatusRetryable,
}

// TraceStatus is the run status of a FlowTrace.
type TraceStatus string

const (
	TraceStatusRunning    TraceStatus = "RUNNING"
	TraceStatusArchived   TraceStatus = "ARCHIVED"
	TraceStatusError      TraceStatus = "ERROR"
	TraceStatusTerminated TraceStatus = "TERMINATED"
)

// IsTerminal reports whether the trace can no longer change status.
func (s TraceStatus) IsTerminal() bool {
	return s != TraceStatusRunning && s != ""
}

// TerminalTraceStatuses lists the statuses eligible for retention.
var TerminalTraceStatuses = []TraceStatus{
	TraceStatusArchived,
	TraceStatusError,
	TraceStatusTerminated,
}
