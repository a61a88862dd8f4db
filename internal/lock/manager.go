package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultCapacity     = 1024
)

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	// WorkerID prefixes every owner token handed out by the manager.
	WorkerID     string
	TTL          time.Duration
	PollInterval time.Duration
	// Capacity bounds the number of pooled Lock objects.
	Capacity int
	Logger   *slog.Logger
}

// Manager hands out Lock objects by name from a bounded pool.
//
// When the pool is full, the oldest pooled lock that nobody holds or waits
// for is evicted. If every pooled lock is in use, Get returns a fresh lock
// that is not pooled. Every Lock gets its own owner token, so two Lock
// objects for the same name still exclude each other through the Store.
type Manager struct {
	store    Store
	workerID string
	ttl      time.Duration
	poll     time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	pool *simplelru.LRU
	cap  int
}

// NewManager creates a Manager on top of store.
func NewManager(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	// Capacity is positive, NewLRU cannot fail.
	pool, _ := simplelru.NewLRU(opts.Capacity, nil)

	return &Manager{
		store:    store,
		workerID: opts.WorkerID,
		ttl:      opts.TTL,
		poll:     opts.PollInterval,
		logger:   opts.Logger.With("component", "lock"),
		pool:     pool,
		cap:      opts.Capacity,
	}
}

// WorkerID returns the worker identity of this manager.
func (m *Manager) WorkerID() string { return m.workerID }

// Store returns the backing lease store.
func (m *Manager) Store() Store { return m.store }

// TTL returns the lease duration used for new locks.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Get returns the lock named key.
func (m *Manager) Get(key string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Peek keeps insertion order intact.
	if v, ok := m.pool.Peek(key); ok {
		return v.(*Lock)
	}

	l := newLock(key, m.workerID+"/"+uuid.NewString(), m.store, m.ttl, m.poll, m.logger)

	if m.pool.Len() >= m.cap && !m.evictLocked() {
		m.logger.Debug("lock pool full, handing out unpooled lock", "key", key)
		return l
	}
	m.pool.Add(key, l)
	return l
}

// evictLocked removes the oldest idle lock. It reports false when every
// pooled lock is in use.
func (m *Manager) evictLocked() bool {
	for _, k := range m.pool.Keys() {
		v, ok := m.pool.Peek(k)
		if !ok {
			continue
		}
		if !v.(*Lock).InUse() {
			m.pool.Remove(k)
			return true
		}
	}
	return false
}

// Len returns the number of pooled locks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Len()
}

// Keys returns the pooled lock names, oldest first.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.pool.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}

// Owner reports who currently holds key in the store.
func (m *Manager) Owner(ctx context.Context, key string) (string, bool, error) {
	return m.store.Owner(ctx, key)
}

// Halt stops renewing every pooled lock without releasing the leases.
// The leases expire after their TTL, as if the process had crashed.
func (m *Manager) Halt() {
	m.mu.Lock()
	var locks []*Lock
	for _, k := range m.pool.Keys() {
		if v, ok := m.pool.Peek(k); ok {
			locks = append(locks, v.(*Lock))
		}
	}
	m.mu.Unlock()

	for _, l := range locks {
		l.Abandon()
	}
}
