package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/waterflow/pkg/api"
)

// NotificationLockKey names the lock that makes one worker at a time
// drive notification redelivery.
const NotificationLockKey = "waterflow:notification-driver"

// Backoff shapes the delay between notification delivery attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Minute
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

// exponential builds an unjittered policy that never gives up on its own.
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delay returns the wait before attempt retryCount+1, given retryCount
// failed attempts so far.
func (b Backoff) Delay(retryCount int) time.Duration {
	b = b.withDefaults()
	eb := b.exponential()

	d := eb.NextBackOff()
	for i := 1; i < retryCount && d < b.Max; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Redeliver sends due notifications. Only the worker holding the
// notification driver lock runs a cycle; others return immediately.
// Delivered notifications are deleted, failed ones rescheduled with
// exponential backoff. Records are never dropped. It returns the number
// delivered.
func (e *Engine) Redeliver(ctx context.Context) (int, error) {
	l := e.locks.Get(NotificationLockKey)
	ok, err := l.TryLockFor(ctx, e.cfg.NotifyLockWait)
	if err != nil {
		return 0, fmt.Errorf("acquire notification lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("release notification lock failed", "error", err)
		}
	}()

	now := e.cfg.Now()
	delivered := 0
	for {
		due, err := e.store.DueNotifications(ctx, now, e.cfg.NotifyBatchSize)
		if err != nil {
			return delivered, fmt.Errorf("load due notifications: %w", err)
		}
		if len(due) == 0 {
			return delivered, nil
		}
		n, progressed, err := e.deliver(ctx, now, due)
		delivered += n
		if err != nil {
			return delivered, err
		}
		// Records that could neither be deleted nor rescheduled stay due.
		if !progressed {
			return delivered, nil
		}
	}
}

// deliver invokes one page of notifications. progressed reports whether any
// record left the due set.
func (e *Engine) deliver(ctx context.Context, now time.Time, due []*api.Notification) (delivered int, progressed bool, err error) {
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return delivered, progressed, err
		}
		log := e.logger.With("notification_id", n.ID, "target", n.Target, "trace_id", n.TraceID)

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout)
		err := e.cfg.Invoker.Invoke(callCtx, n)
		cancel()

		if err == nil {
			if err := e.store.DeleteNotification(ctx, n.ID); err != nil {
				log.Error("delete delivered notification failed", "error", err)
				continue
			}
			delivered++
			progressed = true
			continue
		}

		retries := n.RetryCount + 1
		next := now.Add(e.cfg.NotifyBackoff.Delay(retries))
		log.Warn("notification delivery failed", "retry_count", retries, "next_retry_at", next, "error", err)
		if err := e.store.RescheduleNotification(ctx, n.ID, retries, next, err.Error()); err != nil {
			log.Error("reschedule notification failed", "error", err)
			continue
		}
		progressed = true
	}
	return delivered, progressed, nil
}
