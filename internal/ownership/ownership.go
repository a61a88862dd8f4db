// Package ownership tracks which worker drives which trace.
package ownership

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petrijr/waterflow/internal/lock"
)

// KeyPrefix is prepended to trace ids to form lock names.
const KeyPrefix = "waterflow:trace:"

// OwnerRecorder persists the current owner of a trace. TraceStore
// implementations satisfy it.
type OwnerRecorder interface {
	UpdateTraceOwner(ctx context.Context, id, owner string) error
}

// Service claims traces for this worker through the lock manager. A trace
// is owned while its lock is held.
type Service struct {
	locks    *lock.Manager
	recorder OwnerRecorder
	logger   *slog.Logger

	mu    sync.Mutex
	owned map[string]*lock.Lock
}

// NewService creates an ownership service. recorder may be nil.
func NewService(locks *lock.Manager, recorder OwnerRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		locks:    locks,
		recorder: recorder,
		logger:   logger.With("component", "ownership"),
		owned:    make(map[string]*lock.Lock),
	}
}

// WorkerID returns the identity written as trace owner.
func (s *Service) WorkerID() string { return s.locks.WorkerID() }

// TryOwn claims traceID for this worker without waiting. It reports true
// if the trace is owned by this worker afterwards.
func (s *Service) TryOwn(ctx context.Context, traceID string) (bool, error) {
	s.mu.Lock()
	if l, ok := s.owned[traceID]; ok && l.Held() {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	l := s.locks.Get(KeyPrefix + traceID)
	ok, err := l.TryLock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another goroutine of this worker may hold the same pooled lock.
		return s.IsOwn(traceID), nil
	}

	s.mu.Lock()
	if prev, dup := s.owned[traceID]; dup && prev != l && prev.Held() {
		// Lost a race with another goroutine of this worker.
		s.mu.Unlock()
		_ = l.Unlock(ctx)
		return true, nil
	}
	s.owned[traceID] = l
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.UpdateTraceOwner(ctx, traceID, s.WorkerID()); err != nil {
			s.logger.Warn("record trace owner failed", "trace_id", traceID, "error", err)
		}
	}
	return true, nil
}

// IsOwn reports whether this worker currently owns traceID.
func (s *Service) IsOwn(traceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.owned[traceID]
	return ok && l.Held()
}

// Release gives up ownership of traceID.
func (s *Service) Release(ctx context.Context, traceID string) error {
	s.mu.Lock()
	l, ok := s.owned[traceID]
	delete(s.owned, traceID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return l.Unlock(ctx)
}

// ReleaseAll gives up every owned trace.
func (s *Service) ReleaseAll(ctx context.Context) error {
	var firstErr error
	for _, id := range s.Owned() {
		if err := s.Release(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Owned returns the ids of traces this worker owns.
func (s *Service) Owned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}
	return ids
}

// Abandon drops every owned trace without releasing the leases, which
// then expire on their own.
func (s *Service) Abandon() {
	s.mu.Lock()
	owned := s.owned
	s.owned = make(map[string]*lock.Lock)
	s.mu.Unlock()

	for _, l := range owned {
		l.Abandon()
	}
}
