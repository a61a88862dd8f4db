package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"
)

// queueSuite exercises the Queue contract. Each backend provides newQueue.
type queueSuite struct {
	suite.Suite
	newQueue func() Queue
	queue    Queue
	ctx      context.Context
}

func (s *queueSuite) SetupTest() {
	s.ctx = context.Background()
	s.queue = s.newQueue()
}

func offerTask(id string, data ...any) Task {
	return Task{ID: id, Kind: KindOffer, StreamID: "orders", Payload: data}
}

func (s *queueSuite) dequeue() *Task {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	t, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	return t
}

func (s *queueSuite) TestFIFO() {
	r := s.Require()
	for _, id := range []string{"1", "2", "3"} {
		r.NoError(s.queue.Enqueue(s.ctx, offerTask(id)))
	}
	r.Equal(3, s.queue.Len())

	r.Equal("1", s.dequeue().ID)
	r.Equal("2", s.dequeue().ID)
	r.Equal("3", s.dequeue().ID)
	r.Zero(s.queue.Len())
}

func (s *queueSuite) TestRoundTrip() {
	r := s.Require()
	in := Task{
		ID:        "inj-1",
		Kind:      KindInject,
		TraceID:   "trace-1",
		NodeID:    "approved",
		Payload:   []any{"yes", 3},
		Attempts:  2,
		LastError: "flow inactive",
	}
	r.NoError(s.queue.Enqueue(s.ctx, in))

	got := s.dequeue()
	r.Equal(KindInject, got.Kind)
	r.Equal("trace-1", got.TraceID)
	r.Equal("approved", got.NodeID)
	r.Equal([]any{"yes", 3}, got.Payload)
	r.Equal(2, got.Attempts)
	r.Equal("flow inactive", got.LastError)
	r.False(got.EnqueuedAt.IsZero())
	r.False(got.NotBefore.Before(got.EnqueuedAt))
}

func (s *queueSuite) TestNotBeforeDelaysTask() {
	r := s.Require()
	later := offerTask("later")
	later.NotBefore = time.Now().Add(150 * time.Millisecond)
	r.NoError(s.queue.Enqueue(s.ctx, later))
	r.NoError(s.queue.Enqueue(s.ctx, offerTask("now")))

	r.Equal("now", s.dequeue().ID)

	start := time.Now()
	r.Equal("later", s.dequeue().ID)
	r.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
}

func (s *queueSuite) TestDequeueWaitsForEnqueue() {
	r := s.Require()
	got := make(chan *Task, 1)
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		t, _ := s.queue.Dequeue(ctx)
		got <- t
	}()

	time.Sleep(30 * time.Millisecond)
	r.NoError(s.queue.Enqueue(s.ctx, offerTask("late")))

	select {
	case t := <-got:
		r.NotNil(t)
		r.Equal("late", t.ID)
	case <-time.After(3 * time.Second):
		s.FailNow("dequeue did not return")
	}
}

func (s *queueSuite) TestDequeueHonoursContext() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.queue.Dequeue(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded))
}

func (s *queueSuite) TestRejectsInvalidTasks() {
	r := s.Require()
	r.ErrorIs(s.queue.Enqueue(s.ctx, Task{ID: "x", Kind: KindOffer}), ErrInvalidTask)
	r.ErrorIs(s.queue.Enqueue(s.ctx, Task{ID: "x", Kind: KindInject, TraceID: "t"}), ErrInvalidTask)
	r.ErrorIs(s.queue.Enqueue(s.ctx, Task{ID: "x", Kind: "resume", StreamID: "s"}), ErrInvalidTask)
	r.ErrorIs(s.queue.Enqueue(s.ctx, Task{Kind: KindOffer, StreamID: "s"}), ErrInvalidTask)
	r.Zero(s.queue.Len())
}
