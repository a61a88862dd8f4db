package waterflow

import (
	"context"
	"errors"

	"github.com/petrijr/waterflow/pkg/flow"
)

// RetryBuilder provides a fluent way to construct node error handling for
// use with the flow builder:
//
//	b.Map("charge", charge, waterflow.Retry(3).On(ErrTimeout).ThenDefer().Options()...)
type RetryBuilder struct {
	maxAttempts int
	on          []error
	exhausted   flow.Decision
}

// Retry creates a RetryBuilder allowing maxAttempts deliveries of a failed
// batch in total.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{maxAttempts: maxAttempts, exhausted: flow.Fail}
}

// On restricts retries to failures matching one of errs. Other failures are
// passed on to the definition and engine handlers.
func (r RetryBuilder) On(errs ...error) RetryBuilder {
	r.on = append(append([]error(nil), r.on...), errs...)
	return r
}

// ThenSkip archives the batch without output once attempts run out.
func (r RetryBuilder) ThenSkip() RetryBuilder {
	r.exhausted = flow.Skip
	return r
}

// ThenDefer leaves the batch RETRYABLE for an operator once attempts run
// out.
func (r RetryBuilder) ThenDefer() RetryBuilder {
	r.exhausted = flow.Defer
	return r
}

// ThenFail fails the trace once attempts run out. This is the default.
func (r RetryBuilder) ThenFail() RetryBuilder {
	r.exhausted = flow.Fail
	return r
}

func (r RetryBuilder) matches(err error) bool {
	if len(r.on) == 0 {
		return true
	}
	for _, target := range r.on {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handler returns the error handler described by the builder.
func (r RetryBuilder) Handler() flow.ErrorHandler {
	return func(_ context.Context, f flow.Failure) flow.Decision {
		if !r.matches(f.Err) {
			return flow.Unhandled
		}
		if f.Retry.Attempt < r.maxAttempts {
			return flow.Retry
		}
		return r.exhausted
	}
}

// Options returns the node options installing the handler and the matching
// retry limit.
func (r RetryBuilder) Options() []flow.NodeOption {
	opts := []flow.NodeOption{flow.WithOnError(r.Handler())}
	if r.maxAttempts > 1 {
		opts = append(opts, flow.WithMaxRetries(r.maxAttempts-1))
	}
	return opts
}
