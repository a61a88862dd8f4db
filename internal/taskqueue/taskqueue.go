// Package taskqueue buffers requests to start or feed traces until a worker
// hands them to the engine.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// Kind identifies what the worker should do with a task.
type Kind string

const (
	// KindOffer starts a new trace of StreamID.
	KindOffer Kind = "offer"
	// KindInject feeds a running trace at a START or EVENT node.
	KindInject Kind = "inject"
)

// ErrInvalidTask is returned by Enqueue for tasks missing their addressing
// fields.
var ErrInvalidTask = errors.New("taskqueue: invalid task")

// Task is one pending request.
type Task struct {
	ID   string
	Kind Kind

	// For offer tasks
	StreamID string

	// For inject tasks
	TraceID string
	NodeID  string

	Payload []any

	// Attempts counts failed hand-offs; LastError holds the latest failure.
	Attempts  int
	LastError string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task may be dequeued. Zero means
	// immediately.
	NotBefore time.Time
}

// Validate reports whether the task carries what its kind needs.
func (t Task) Validate() error {
	switch t.Kind {
	case KindOffer:
		if t.StreamID == "" {
			return errors.Join(ErrInvalidTask, errors.New("offer without stream id"))
		}
	case KindInject:
		if t.TraceID == "" || t.NodeID == "" {
			return errors.Join(ErrInvalidTask, errors.New("inject without trace or node id"))
		}
	default:
		return errors.Join(ErrInvalidTask, errors.New("unknown kind "+string(t.Kind)))
	}
	if t.ID == "" {
		return errors.Join(ErrInvalidTask, errors.New("missing id"))
	}
	return nil
}

// Queue is an async task queue.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
