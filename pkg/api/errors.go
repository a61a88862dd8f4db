package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTraceNotFound is returned when a trace does not exist.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrContextNotFound is returned when a context does not exist.
	ErrContextNotFound = errors.New("context not found")

	// ErrTraceTerminal is returned when work is offered to a trace that
	// already reached a terminal status.
	ErrTraceTerminal = errors.New("trace is terminal")

	// ErrNotificationNotFound is returned when a notification does not exist.
	ErrNotificationNotFound = errors.New("notification not found")
)

// TransitionError reports a status move the lattice does not allow.
type TransitionError struct {
	ContextID string
	From      NodeStatus
	To        NodeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("context %s: illegal status transition %s -> %s", e.ContextID, e.From, e.To)
}
