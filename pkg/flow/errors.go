package flow

import (
	"context"
	"errors"

	"github.com/petrijr/waterflow/pkg/api"
)

var (
	// ErrDefinition marks configuration errors in a flow definition.
	ErrDefinition = errors.New("invalid flow definition")

	// ErrFlowInactive is returned when work is offered to a deactivated flow.
	ErrFlowInactive = errors.New("flow is inactive")

	// ErrFlowNotFound is returned when no definition matches a stream id.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrNodeNotFound is returned when a node id is not part of a definition.
	ErrNodeNotFound = errors.New("node not found")

	// ErrFilterRejected is reported to error handlers for contexts rerouted
	// by a filter.
	ErrFilterRejected = errors.New("rejected by filter")

	// ErrRecovered is reported to error handlers for contexts found READY by
	// recovery, whose processing outcome is unknown.
	ErrRecovered = errors.New("recovered in-flight context")

	// ErrNodeRemoved is reported for recovered contexts whose node no longer
	// exists in the current definition.
	ErrNodeRemoved = errors.New("node removed from definition")
)

// Decision is what an error handler wants done with a failed batch.
type Decision int

const (
	// Unhandled passes the failure on to the next handler in the chain.
	Unhandled Decision = iota
	// Retry marks the batch RETRYABLE and re-delivers it, up to the node's
	// retry limit.
	Retry
	// Defer marks the batch RETRYABLE and leaves it for an explicit retry.
	Defer
	// Skip archives the batch without output.
	Skip
	// Fail moves the batch to ERROR and fails the trace.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Defer:
		return "defer"
	case Skip:
		return "skip"
	case Fail:
		return "fail"
	default:
		return "unhandled"
	}
}

// RetryHandle describes the retry budget of a failed batch.
type RetryHandle struct {
	// Attempt is the number of failed attempts so far, including this one.
	Attempt    int
	MaxRetries int
}

// Exhausted reports whether no retries are left.
func (r RetryHandle) Exhausted() bool {
	return r.Attempt > r.MaxRetries
}

// Failure is handed to error handlers.
type Failure struct {
	Err   error
	Node  *Node
	Batch []*api.FlowContext
	Retry RetryHandle
}

// ErrorHandler decides what happens to a failed batch.
type ErrorHandler func(ctx context.Context, f Failure) Decision

// RetryUpTo returns a handler that retries until max attempts are spent
// and fails afterwards.
func RetryUpTo(max int) ErrorHandler {
	return func(ctx context.Context, f Failure) Decision {
		if f.Retry.Attempt <= max {
			return Retry
		}
		return Fail
	}
}

// SkipOn returns a handler that skips batches failing with target and
// leaves everything else unhandled.
func SkipOn(target error) ErrorHandler {
	return func(ctx context.Context, f Failure) Decision {
		if errors.Is(f.Err, target) {
			return Skip
		}
		return Unhandled
	}
}

// Chain tries handlers in order until one returns a decision.
func Chain(handlers ...ErrorHandler) ErrorHandler {
	return func(ctx context.Context, f Failure) Decision {
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if d := h(ctx, f); d != Unhandled {
				return d
			}
		}
		return Unhandled
	}
}
