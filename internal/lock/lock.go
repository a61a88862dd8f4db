package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Lock is a named distributed lock. A Lock is safe for concurrent use: at
// most one goroutine holds it at a time, and the lease in the Store keeps
// other processes out. While held, the lease is renewed in the background
// every TTL/3.
type Lock struct {
	key    string
	owner  string
	store  Store
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger

	// local serializes holders inside this process.
	local chan struct{}
	// refs counts goroutines waiting for or holding the lock.
	refs atomic.Int32
	lost atomic.Bool

	mu          sync.Mutex
	held        bool
	stopRenewal context.CancelFunc
	renewalDone chan struct{}
}

func newLock(key, owner string, store Store, ttl, poll time.Duration, logger *slog.Logger) *Lock {
	return &Lock{
		key:    key,
		owner:  owner,
		store:  store,
		ttl:    ttl,
		poll:   poll,
		logger: logger,
		local:  make(chan struct{}, 1),
	}
}

// Key returns the lock name.
func (l *Lock) Key() string { return l.key }

// Owner returns the token this lock writes into the store.
func (l *Lock) Owner() string { return l.owner }

// Held reports whether this lock currently holds a live lease.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && !l.lost.Load()
}

// InUse reports whether any goroutine holds or waits for the lock.
func (l *Lock) InUse() bool {
	return l.refs.Load() > 0
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	l.refs.Add(1)
	select {
	case l.local <- struct{}{}:
	case <-ctx.Done():
		l.refs.Add(-1)
		return ctx.Err()
	}

	for {
		ok, err := l.store.TryAcquire(ctx, l.key, l.owner, l.ttl)
		if err == nil && ok {
			l.acquired()
			return nil
		}
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("lock acquire failed", "key", l.key, "error", err)
		}

		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			<-l.local
			l.refs.Add(-1)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TryLock attempts to acquire the lock once without waiting.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	l.refs.Add(1)
	select {
	case l.local <- struct{}{}:
	default:
		l.refs.Add(-1)
		return false, nil
	}

	ok, err := l.store.TryAcquire(ctx, l.key, l.owner, l.ttl)
	if err != nil || !ok {
		<-l.local
		l.refs.Add(-1)
		return false, err
	}
	l.acquired()
	return true, nil
}

// TryLockFor waits up to wait for the lock. It returns false without error
// when the wait elapses.
func (l *Lock) TryLockFor(ctx context.Context, wait time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	err := l.Lock(waitCtx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return false, nil
	default:
		return false, err
	}
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	stop, done := l.stopRenewal, l.renewalDone
	l.stopRenewal, l.renewalDone = nil, nil
	l.mu.Unlock()

	stop()
	<-done

	err := l.store.Release(ctx, l.key, l.owner)
	<-l.local
	l.refs.Add(-1)
	return err
}

func (l *Lock) acquired() {
	renewCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.held = true
	l.lost.Store(false)
	l.stopRenewal = cancel
	l.renewalDone = done
	l.mu.Unlock()

	go l.renew(renewCtx, done)
}

func (l *Lock) renew(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.store.Renew(ctx, l.key, l.owner, l.ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrNotHeld) {
				l.lost.Store(true)
				l.logger.Warn("lock lease lost", "key", l.key, "owner", l.owner)
				l.forget(done)
				return
			}
			if ctx.Err() == nil {
				l.logger.Warn("lock renewal failed", "key", l.key, "error", err)
			}
		}
	}
}

// forget frees the local slot after the lease was lost, unless Unlock or
// Abandon already took over this renewal.
func (l *Lock) forget(done chan struct{}) {
	l.mu.Lock()
	if !l.held || l.renewalDone != done {
		l.mu.Unlock()
		return
	}
	stop := l.stopRenewal
	l.held = false
	l.stopRenewal, l.renewalDone = nil, nil
	l.mu.Unlock()

	stop()
	<-l.local
	l.refs.Add(-1)
}

// Abandon stops renewal without releasing the lease, leaving it to
// expire. The lock is no longer held by this process afterwards.
func (l *Lock) Abandon() {
	l.mu.Lock()
	stop, done := l.stopRenewal, l.renewalDone
	l.stopRenewal, l.renewalDone = nil, nil
	l.held = false
	l.mu.Unlock()

	if stop != nil {
		stop()
		<-done
		<-l.local
		l.refs.Add(-1)
	}
}
