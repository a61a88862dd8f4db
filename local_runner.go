package waterflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/waterflow/internal/taskqueue"
	"github.com/petrijr/waterflow/pkg/worker"
)

// LocalRunner bundles an in-memory Runtime, an in-memory intake queue and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := waterflow.NewLocalRunner(waterflow.EngineConfig{})
//	_ = runner.Engine.Register(def)
//
//	// Synchronous run (no queue/worker involved):
//	trace, results, err := waterflow.Run(ctx, runner.Engine, "orders", order)
//
//	// Asynchronous run:
//	_ = runner.Start(ctx)
//	_, _ = runner.SubmitAsync(ctx, "orders", order)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory runtime used by this runner.
	Engine *Runtime

	// Queue is the in-memory intake queue drained by Worker.
	Queue taskqueue.Queue

	// Worker hands queued work to Engine and runs the schedulers.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// an in-memory queue and a Worker with default config.
//
// This is intended for local development, tests and simple single-process
// deployments. Nothing survives the process.
func NewLocalRunner(cfg EngineConfig) *LocalRunner {
	eng := NewInMemoryEngine(cfg)
	q := taskqueue.NewInMemoryQueue()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q, worker.Config{Logger: cfg.Logger}),
	}
}

// Start runs the worker in the background until Stop is called or ctx is
// cancelled.
//
// If Start is called more than once without Stop, it returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("waterflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		_ = r.Worker.Run(ctx)
	}(r.done)
	return nil
}

// Stop cancels the worker started by Start and waits for it to exit. The
// engine stays usable; in-flight deliveries keep running.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Close stops the worker and the engine.
func (r *LocalRunner) Close(ctx context.Context) error {
	r.Stop()
	return r.Engine.Close(ctx)
}

// SubmitAsync queues an offer to streamID. The flow must already be
// registered on LocalRunner.Engine by the time the worker picks it up.
func (r *LocalRunner) SubmitAsync(ctx context.Context, streamID string, data ...any) (string, error) {
	return r.Worker.Submit(ctx, streamID, data...)
}

// InjectAsync queues event payloads for nodeID of a running trace.
func (r *LocalRunner) InjectAsync(ctx context.Context, traceID, nodeID string, data ...any) (string, error) {
	return r.Worker.Inject(ctx, traceID, nodeID, data...)
}
