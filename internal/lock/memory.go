package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It only provides exclusion between
// engines sharing the same instance.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]lease), now: time.Now}
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[key]; ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	if !ok || cur.owner != owner || !cur.expiresAt.After(now) {
		return ErrNotHeld
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) Owner(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if !ok || !cur.expiresAt.After(s.now()) {
		return "", false, nil
	}
	return cur.owner, true, nil
}
