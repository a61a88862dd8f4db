package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/waterflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps. Records
// are cloned on the way in and out so callers never share state with the
// store.
type InMemoryStore struct {
	mu            sync.RWMutex
	traces        map[string]*api.FlowTrace
	contexts      map[string]*api.FlowContext
	notifications map[string]*api.Notification
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		traces:        make(map[string]*api.FlowTrace),
		contexts:      make(map[string]*api.FlowContext),
		notifications: make(map[string]*api.Notification),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func cloneTrace(t *api.FlowTrace) *api.FlowTrace {
	cp := *t
	return &cp
}

func cloneNotification(n *api.Notification) *api.Notification {
	cp := *n
	cp.Payload = make(map[string]any, len(n.Payload))
	for k, v := range n.Payload {
		cp.Payload[k] = v
	}
	return &cp
}

func (s *InMemoryStore) CreateContexts(ctx context.Context, contexts []*api.FlowContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createContextsLocked(contexts)
	return nil
}

func (s *InMemoryStore) createContextsLocked(contexts []*api.FlowContext) {
	for _, c := range contexts {
		s.contexts[c.ID] = c.Clone()
	}
}

func (s *InMemoryStore) UpdateContexts(ctx context.Context, contexts []*api.FlowContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateContextsLocked(contexts)
}

func (s *InMemoryStore) updateContextsLocked(contexts []*api.FlowContext) error {
	for _, c := range contexts {
		if _, ok := s.contexts[c.ID]; !ok {
			return api.ErrContextNotFound
		}
	}
	for _, c := range contexts {
		s.contexts[c.ID] = c.Clone()
	}
	return nil
}

func (s *InMemoryStore) GetContexts(ctx context.Context, ids []string) ([]*api.FlowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.FlowContext, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.contexts[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListContextsByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.listContexts(traceID, false), nil
}

func (s *InMemoryStore) ListActiveContexts(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.listContexts(traceID, true), nil
}

func (s *InMemoryStore) listContexts(traceID string, activeOnly bool) []*api.FlowContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.FlowContext
	for _, c := range s.contexts {
		if c.TraceID != traceID {
			continue
		}
		if activeOnly && c.Status.IsTerminal() {
			continue
		}
		out = append(out, c.Clone())
	}
	sortContexts(out)
	return out
}

func sortContexts(cs []*api.FlowContext) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (s *InMemoryStore) CountActiveContexts(ctx context.Context, traceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.contexts {
		if c.TraceID == traceID && !c.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteContextsByTraces(ctx context.Context, traceIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteContextsLocked(traceIDs), nil
}

func (s *InMemoryStore) deleteContextsLocked(traceIDs []string) int {
	set := toSet(traceIDs)
	n := 0
	for id, c := range s.contexts {
		if _, ok := set[c.TraceID]; ok {
			delete(s.contexts, id)
			n++
		}
	}
	return n
}

func (s *InMemoryStore) CreateTrace(ctx context.Context, trace *api.FlowTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.traces[trace.ID] = cloneTrace(trace)
	return nil
}

func (s *InMemoryStore) GetTrace(ctx context.Context, id string) (*api.FlowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.traces[id]
	if !ok {
		return nil, api.ErrTraceNotFound
	}
	return cloneTrace(t), nil
}

func (s *InMemoryStore) UpdateTraceStatus(ctx context.Context, id string, status api.TraceStatus, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[id]
	if !ok {
		return false, api.ErrTraceNotFound
	}
	if t.Status != api.TraceStatusRunning {
		return false, nil
	}
	t.Status = status
	t.Error = errMsg
	t.UpdatedAt = at
	if status.IsTerminal() {
		t.EndedAt = at
	}
	return true, nil
}

func (s *InMemoryStore) UpdateTraceOwner(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[id]
	if !ok {
		return api.ErrTraceNotFound
	}
	t.Owner = owner
	t.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListRunningTraces(ctx context.Context, after string, limit int) ([]*api.FlowTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.FlowTrace
	for _, t := range s.traces {
		if t.Status == api.TraceStatusRunning && t.ID > after {
			out = append(out, cloneTrace(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListExpiredTraces(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*api.FlowTrace
	for _, t := range s.traces {
		if t.Status.IsTerminal() && t.EndedAt.Before(before) {
			expired = append(expired, t)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].EndedAt.Equal(expired[j].EndedAt) {
			return expired[i].EndedAt.Before(expired[j].EndedAt)
		}
		return expired[i].ID < expired[j].ID
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, t := range expired {
		ids[i] = t.ID
	}
	return ids, nil
}

func (s *InMemoryStore) DeleteTraces(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteTracesLocked(ids), nil
}

func (s *InMemoryStore) deleteTracesLocked(ids []string) int {
	n := 0
	for _, id := range ids {
		if _, ok := s.traces[id]; ok {
			delete(s.traces, id)
			n++
		}
	}
	return n
}

func (s *InMemoryStore) SaveNotification(ctx context.Context, n *api.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (s *InMemoryStore) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*api.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Notification
	for _, n := range s.notifications {
		if !n.NextRetryAt.After(now) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[id]; !ok {
		return api.ErrNotificationNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *InMemoryStore) RescheduleNotification(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return api.ErrNotificationNotFound
	}
	n.RetryCount = retryCount
	n.NextRetryAt = next
	n.LastError = lastErr
	return nil
}

func (s *InMemoryStore) Commit(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.updateContextsLocked(t.Update); err != nil {
		return err
	}
	s.createContextsLocked(t.Create)
	for _, n := range t.Notify {
		s.notifications[n.ID] = cloneNotification(n)
	}
	return nil
}

func (s *InMemoryStore) PurgeTraces(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := toSet(ids)
	for id, n := range s.notifications {
		if _, ok := set[n.TraceID]; ok {
			delete(s.notifications, id)
		}
	}
	s.deleteContextsLocked(ids)
	return s.deleteTracesLocked(ids), nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
