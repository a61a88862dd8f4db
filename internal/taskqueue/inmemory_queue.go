package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks in a slice ordered by NotBefore. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	wake  chan struct{}
	now   func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		wake: make(chan struct{}),
		now:  time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	now := q.now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].NotBefore.After(t.NotBefore)
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.signal()
	q.mu.Unlock()
	return nil
}

// signal wakes every waiting Dequeue. Callers hold q.mu.
func (q *InMemoryQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		wake := q.wake
		var wait time.Duration = -1
		if len(q.tasks) > 0 {
			head := q.tasks[0]
			if d := head.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				q.tasks = q.tasks[1:]
				q.mu.Unlock()
				return &head, nil
			}
		}
		q.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-wake:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
