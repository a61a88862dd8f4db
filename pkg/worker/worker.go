package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waterflow/internal/engine"
	"github.com/petrijr/waterflow/internal/taskqueue"
	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// Config controls the scheduler cadence and intake retries. Zero values
// select defaults.
type Config struct {
	RecoveryInterval  time.Duration
	RetentionInterval time.Duration
	NotifyInterval    time.Duration

	// Consumers is the number of goroutines draining the intake queue.
	Consumers int
	// MaxAttempts bounds hand-offs of one intake task before it is dropped.
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

const (
	DefaultRecoveryInterval  = 60 * time.Second
	DefaultRetentionInterval = 24 * time.Hour
	DefaultNotifyInterval    = time.Second
	DefaultMaxAttempts       = 5
)

func (c Config) withDefaults() Config {
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	if c.NotifyInterval <= 0 {
		c.NotifyInterval = DefaultNotifyInterval
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Worker drives an Engine: it fires the recovery, retention and
// notification schedulers on tickers and hands queued offers and
// injections to the engine.
type Worker struct {
	engine  api.Engine
	queue   taskqueue.Queue
	cfg     Config
	backoff engine.Backoff
	logger  *slog.Logger
}

// New creates a worker. queue may be nil, in which case Submit and Inject
// fail and Run only drives the schedulers.
func New(eng api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		engine:  eng,
		queue:   queue,
		cfg:     cfg,
		backoff: engine.Backoff{Initial: cfg.RetryInitial, Max: cfg.RetryMax},
		logger:  cfg.Logger.With("component", "worker"),
	}
}

// ErrNoQueue is returned by Submit and Inject on a worker without a queue.
var ErrNoQueue = errors.New("worker has no intake queue")

// Submit queues an offer of data to streamID and returns the task id.
func (w *Worker) Submit(ctx context.Context, streamID string, data ...any) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Kind: taskqueue.KindOffer, StreamID: streamID, Payload: data})
}

// SubmitAt queues an offer that is handed to the engine no earlier than at.
func (w *Worker) SubmitAt(ctx context.Context, at time.Time, streamID string, data ...any) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Kind: taskqueue.KindOffer, StreamID: streamID, Payload: data, NotBefore: at})
}

// Inject queues event payloads for nodeID of a running trace.
func (w *Worker) Inject(ctx context.Context, traceID, nodeID string, data ...any) (string, error) {
	return w.enqueue(ctx, taskqueue.Task{Kind: taskqueue.KindInject, TraceID: traceID, NodeID: nodeID, Payload: data})
}

func (w *Worker) enqueue(ctx context.Context, t taskqueue.Task) (string, error) {
	if w.queue == nil {
		return "", ErrNoQueue
	}
	t.ID = uuid.NewString()
	t.EnqueuedAt = w.cfg.Now()
	if err := w.queue.Enqueue(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// ProcessOne pulls a single task from the queue and hands it to the engine.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or the queue failed)
//   - processed == true: a task was handled; err is the engine's error, after
//     the task was re-queued or dropped.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if w.queue == nil {
		return false, ErrNoQueue
	}
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.logger.With("task_id", task.ID, "kind", task.Kind)
	runErr := w.handle(ctx, task)
	if runErr == nil {
		log.Debug("task handed to engine", "stream_id", task.StreamID, "trace_id", task.TraceID)
		return true, nil
	}

	task.Attempts++
	task.LastError = runErr.Error()
	if permanent(runErr) || task.Attempts >= w.cfg.MaxAttempts {
		log.Error("dropping task", "attempts", task.Attempts, "error", runErr)
		return true, runErr
	}

	task.NotBefore = w.cfg.Now().Add(w.backoff.Delay(task.Attempts))
	log.Warn("task failed, re-queued", "attempts", task.Attempts, "not_before", task.NotBefore, "error", runErr)
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), *task); err != nil {
		log.Error("re-queue task failed", "error", err)
		return true, errors.Join(runErr, err)
	}
	return true, runErr
}

func (w *Worker) handle(ctx context.Context, t *taskqueue.Task) error {
	switch t.Kind {
	case taskqueue.KindOffer:
		_, err := w.engine.Offer(ctx, t.StreamID, t.Payload...)
		return err
	case taskqueue.KindInject:
		return w.engine.OfferTo(ctx, t.TraceID, t.NodeID, t.Payload...)
	default:
		return fmt.Errorf("%w: unknown kind %q", taskqueue.ErrInvalidTask, t.Kind)
	}
}

// permanent reports errors a later attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, api.ErrTraceNotFound) ||
		errors.Is(err, api.ErrTraceTerminal) ||
		errors.Is(err, flow.ErrNodeNotFound) ||
		errors.Is(err, taskqueue.ErrInvalidTask)
}

// RunOnce runs one recovery, retention and notification cycle.
func (w *Worker) RunOnce(ctx context.Context) error {
	return errors.Join(w.recover(ctx), w.clean(ctx), w.redeliver(ctx))
}

func (w *Worker) recover(ctx context.Context) error {
	n, err := w.engine.Recover(ctx)
	if n > 0 {
		w.logger.Info("recovered traces", "count", n)
	}
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	return nil
}

func (w *Worker) clean(ctx context.Context) error {
	n, err := w.engine.Clean(ctx)
	if n > 0 {
		w.logger.Info("purged expired traces", "count", n)
	}
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	return nil
}

func (w *Worker) redeliver(ctx context.Context) error {
	n, err := w.engine.Redeliver(ctx)
	if n > 0 {
		w.logger.Debug("delivered notifications", "count", n)
	}
	if err != nil {
		return fmt.Errorf("redeliver: %w", err)
	}
	return nil
}

// Run starts the scheduler tickers and the intake consumers and blocks
// until ctx is cancelled. Recovery runs once immediately so work abandoned
// by a previous process resumes on startup. Scheduler errors are logged;
// Run returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := w.recover(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("startup recovery failed", "error", err)
	}

	g.Go(func() error { return w.every(ctx, w.cfg.RecoveryInterval, w.recover) })
	g.Go(func() error { return w.every(ctx, w.cfg.RetentionInterval, w.clean) })
	g.Go(func() error { return w.every(ctx, w.cfg.NotifyInterval, w.redeliver) })

	if w.queue != nil {
		for i := 0; i < w.cfg.Consumers; i++ {
			g.Go(func() error { return w.consume(ctx) })
		}
	}

	w.logger.Info("worker started",
		"recovery_interval", w.cfg.RecoveryInterval,
		"retention_interval", w.cfg.RetentionInterval,
		"notify_interval", w.cfg.NotifyInterval,
		"consumers", w.cfg.Consumers)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("scheduler cycle failed", "error", err)
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !processed && err != nil {
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}
