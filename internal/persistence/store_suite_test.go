package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/waterflow/pkg/api"
)

// storeSuite exercises the Store contract. Each backend embeds it and
// provides newStore.
type storeSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func newTrace(id string) *api.FlowTrace {
	now := time.Now()
	return &api.FlowTrace{
		ID:        id,
		StreamID:  "orders",
		Version:   "1",
		Status:    api.TraceStatusRunning,
		StartNode: "start",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newContext(traceID, position string, status api.NodeStatus, data any) *api.FlowContext {
	now := time.Now()
	return &api.FlowContext{
		ID:        api.NewContextID(),
		TraceID:   traceID,
		StreamID:  "orders",
		Version:   "1",
		Position:  position,
		Status:    status,
		Data:      data,
		Session:   api.NewSession(traceID),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *storeSuite) TestTraceLifecycle() {
	r := s.Require()

	r.NoError(s.store.CreateTrace(s.ctx, newTrace("t-1")))

	got, err := s.store.GetTrace(s.ctx, "t-1")
	r.NoError(err)
	r.Equal("orders", got.StreamID)
	r.Equal(api.TraceStatusRunning, got.Status)
	r.True(got.EndedAt.IsZero())

	r.NoError(s.store.UpdateTraceOwner(s.ctx, "t-1", "worker-a"))

	ok, err := s.store.UpdateTraceStatus(s.ctx, "t-1", api.TraceStatusArchived, "", time.Now())
	r.NoError(err)
	r.True(ok)

	// terminal once set
	ok, err = s.store.UpdateTraceStatus(s.ctx, "t-1", api.TraceStatusError, "late", time.Now())
	r.NoError(err)
	r.False(ok)

	got, err = s.store.GetTrace(s.ctx, "t-1")
	r.NoError(err)
	r.Equal(api.TraceStatusArchived, got.Status)
	r.Equal("worker-a", got.Owner)
	r.False(got.EndedAt.IsZero())

	_, err = s.store.GetTrace(s.ctx, "missing")
	r.True(errors.Is(err, api.ErrTraceNotFound))

	_, err = s.store.UpdateTraceStatus(s.ctx, "missing", api.TraceStatusArchived, "", time.Now())
	r.True(errors.Is(err, api.ErrTraceNotFound))
}

func (s *storeSuite) TestListRunningTracesPages() {
	r := s.Require()

	for _, id := range []string{"a", "b", "c", "d"} {
		r.NoError(s.store.CreateTrace(s.ctx, newTrace(id)))
	}
	_, err := s.store.UpdateTraceStatus(s.ctx, "b", api.TraceStatusTerminated, "", time.Now())
	r.NoError(err)

	page, err := s.store.ListRunningTraces(s.ctx, "", 2)
	r.NoError(err)
	r.Len(page, 2)
	r.Equal("a", page[0].ID)
	r.Equal("c", page[1].ID)

	page, err = s.store.ListRunningTraces(s.ctx, "c", 2)
	r.NoError(err)
	r.Len(page, 1)
	r.Equal("d", page[0].ID)
}

func (s *storeSuite) TestContextsCreateUpdateCount() {
	r := s.Require()
	r.NoError(s.store.CreateTrace(s.ctx, newTrace("t-1")))

	c1 := newContext("t-1", "start", api.NodeStatusNew, "in-1")
	c2 := newContext("t-1", "start", api.NodeStatusNew, map[string]any{"n": 2.0})
	c2.ParentIDs = []string{"p-1", "p-2"}
	c2.WindowKey = "p"
	c2.WindowSize = 2
	c2.Session.Set("user", "alice")
	r.NoError(s.store.CreateContexts(s.ctx, []*api.FlowContext{c1, c2}))

	n, err := s.store.CountActiveContexts(s.ctx, "t-1")
	r.NoError(err)
	r.Equal(2, n)

	got, err := s.store.GetContexts(s.ctx, []string{c2.ID, "unknown"})
	r.NoError(err)
	r.Len(got, 1)
	r.Equal(map[string]any{"n": 2.0}, got[0].Data)
	r.Equal([]string{"p-1", "p-2"}, got[0].ParentIDs)
	r.Equal("p", got[0].WindowKey)
	r.Equal(2, got[0].WindowSize)
	r.Equal("alice", got[0].Session.State["user"])

	c1.Status = api.NodeStatusArchived
	c1.UpdatedAt = time.Now()
	r.NoError(s.store.UpdateContexts(s.ctx, []*api.FlowContext{c1}))

	active, err := s.store.ListActiveContexts(s.ctx, "t-1")
	r.NoError(err)
	r.Len(active, 1)
	r.Equal(c2.ID, active[0].ID)

	all, err := s.store.ListContextsByTrace(s.ctx, "t-1")
	r.NoError(err)
	r.Len(all, 2)

	missing := newContext("t-1", "start", api.NodeStatusReady, nil)
	err = s.store.UpdateContexts(s.ctx, []*api.FlowContext{missing})
	r.True(errors.Is(err, api.ErrContextNotFound))
}

func (s *storeSuite) TestCommitIsAtomic() {
	r := s.Require()
	r.NoError(s.store.CreateTrace(s.ctx, newTrace("t-1")))

	in := newContext("t-1", "start", api.NodeStatusReady, "x")
	r.NoError(s.store.CreateContexts(s.ctx, []*api.FlowContext{in}))

	in.Status = api.NodeStatusArchived
	out := newContext("t-1", "next", api.NodeStatusPending, "y")
	out.EventID = "start->next"
	note := api.NewNotification(api.NotificationNodeCompleted, "remote", "t-1", "start")

	r.NoError(s.store.Commit(s.ctx, Transition{
		Update: []*api.FlowContext{in},
		Create: []*api.FlowContext{out},
		Notify: []*api.Notification{note},
	}))

	active, err := s.store.ListActiveContexts(s.ctx, "t-1")
	r.NoError(err)
	r.Len(active, 1)
	r.Equal(out.ID, active[0].ID)
	r.Equal("start->next", active[0].EventID)

	due, err := s.store.DueNotifications(s.ctx, time.Now().Add(time.Second), 10)
	r.NoError(err)
	r.Len(due, 1)

	// A failing update rolls back the creates of the same transition.
	ghost := newContext("t-1", "next", api.NodeStatusReady, nil)
	extra := newContext("t-1", "next", api.NodeStatusPending, nil)
	err = s.store.Commit(s.ctx, Transition{
		Update: []*api.FlowContext{ghost},
		Create: []*api.FlowContext{extra},
	})
	r.Error(err)

	n, err := s.store.CountActiveContexts(s.ctx, "t-1")
	r.NoError(err)
	r.Equal(1, n)
}

func (s *storeSuite) TestNotificationsDueAndReschedule() {
	r := s.Require()
	now := time.Now()

	early := api.NewNotification(api.NotificationNodeCompleted, "remote", "t-1", "n1")
	early.NextRetryAt = now.Add(-2 * time.Second)
	early.Payload["amount"] = 3.0
	late := api.NewNotification(api.NotificationTraceCompleted, "remote", "t-1", "")
	late.NextRetryAt = now.Add(time.Hour)

	r.NoError(s.store.SaveNotification(s.ctx, early))
	r.NoError(s.store.SaveNotification(s.ctx, late))

	due, err := s.store.DueNotifications(s.ctx, now, 10)
	r.NoError(err)
	r.Len(due, 1)
	r.Equal(early.ID, due[0].ID)
	r.Equal(3.0, due[0].Payload["amount"])

	next := now.Add(time.Minute)
	r.NoError(s.store.RescheduleNotification(s.ctx, early.ID, 1, next, "boom"))

	due, err = s.store.DueNotifications(s.ctx, now, 10)
	r.NoError(err)
	r.Empty(due)

	due, err = s.store.DueNotifications(s.ctx, next, 10)
	r.NoError(err)
	r.Len(due, 1)
	r.Equal(1, due[0].RetryCount)
	r.Equal("boom", due[0].LastError)

	r.NoError(s.store.DeleteNotification(s.ctx, early.ID))
	r.True(errors.Is(s.store.DeleteNotification(s.ctx, early.ID), api.ErrNotificationNotFound))
	r.True(errors.Is(s.store.RescheduleNotification(s.ctx, "nope", 1, next, ""), api.ErrNotificationNotFound))
}

func (s *storeSuite) TestTraceEndsAtGivenTime() {
	r := s.Require()
	r.NoError(s.store.CreateTrace(s.ctx, newTrace("t-1")))

	at := time.Unix(0, 1_700_000_000_123_456_789)
	ok, err := s.store.UpdateTraceStatus(s.ctx, "t-1", api.TraceStatusArchived, "", at)
	r.NoError(err)
	r.True(ok)

	got, err := s.store.GetTrace(s.ctx, "t-1")
	r.NoError(err)
	r.True(got.EndedAt.Equal(at), "ended at %s", got.EndedAt)

	ids, err := s.store.ListExpiredTraces(s.ctx, at, 10)
	r.NoError(err)
	r.Empty(ids)
	ids, err = s.store.ListExpiredTraces(s.ctx, at.Add(time.Nanosecond), 10)
	r.NoError(err)
	r.Equal([]string{"t-1"}, ids)
}

func (s *storeSuite) TestExpiredTracesAndPurge() {
	r := s.Require()

	for _, id := range []string{"done-1", "done-2", "running"} {
		r.NoError(s.store.CreateTrace(s.ctx, newTrace(id)))
		r.NoError(s.store.CreateContexts(s.ctx, []*api.FlowContext{newContext(id, "start", api.NodeStatusNew, nil)}))
		r.NoError(s.store.SaveNotification(s.ctx, api.NewNotification(api.NotificationTraceCompleted, "remote", id, "")))
	}
	for _, id := range []string{"done-1", "done-2"} {
		ok, err := s.store.UpdateTraceStatus(s.ctx, id, api.TraceStatusArchived, "", time.Now())
		r.NoError(err)
		r.True(ok)
	}

	// nothing ended before a cutoff in the past
	ids, err := s.store.ListExpiredTraces(s.ctx, time.Now().Add(-time.Hour), 10)
	r.NoError(err)
	r.Empty(ids)

	ids, err = s.store.ListExpiredTraces(s.ctx, time.Now().Add(time.Second), 1)
	r.NoError(err)
	r.Len(ids, 1)

	ids, err = s.store.ListExpiredTraces(s.ctx, time.Now().Add(time.Second), 10)
	r.NoError(err)
	r.ElementsMatch([]string{"done-1", "done-2"}, ids)

	n, err := s.store.PurgeTraces(s.ctx, ids)
	r.NoError(err)
	r.Equal(2, n)

	_, err = s.store.GetTrace(s.ctx, "done-1")
	r.True(errors.Is(err, api.ErrTraceNotFound))

	left, err := s.store.ListContextsByTrace(s.ctx, "done-2")
	r.NoError(err)
	r.Empty(left)

	due, err := s.store.DueNotifications(s.ctx, time.Now().Add(time.Second), 10)
	r.NoError(err)
	r.Len(due, 1)
	r.Equal("running", due[0].TraceID)

	_, err = s.store.GetTrace(s.ctx, "running")
	r.NoError(err)
}
