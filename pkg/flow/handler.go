package flow

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/waterflow/pkg/api"
)

// Handler processes one batch of contexts at a node and records what it
// produces in out. Returning an error fails the whole batch.
type Handler interface {
	Process(ctx context.Context, batch []*api.FlowContext, out *Output) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, batch []*api.FlowContext, out *Output) error

func (f HandlerFunc) Process(ctx context.Context, batch []*api.FlowContext, out *Output) error {
	return f(ctx, batch, out)
}

// Emitted is one produced payload and the contexts it descends from.
type Emitted struct {
	Parents []*api.FlowContext
	Data    any
	// WindowKey and WindowSize override the values inherited from the
	// first parent when WindowKey is non-empty.
	WindowKey  string
	WindowSize int
}

// Output collects the payloads a handler produces.
type Output struct {
	items []Emitted
}

// Emit records data as derived from a single parent.
func (o *Output) Emit(parent *api.FlowContext, data any) {
	o.items = append(o.items, Emitted{Parents: []*api.FlowContext{parent}, Data: data})
}

// Add records an arbitrary emission.
func (o *Output) Add(e Emitted) {
	o.items = append(o.items, e)
}

// Items returns everything emitted so far.
func (o *Output) Items() []Emitted { return o.items }

// Len returns the number of emitted payloads.
func (o *Output) Len() int { return len(o.items) }

// Reset discards emitted payloads.
func (o *Output) Reset() { o.items = o.items[:0] }

// Passthrough forwards every input unchanged.
var Passthrough Handler = HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
	for _, c := range batch {
		out.Emit(c, c.Data)
	}
	return nil
})

// MapFunc transforms one payload into another.
type MapFunc func(ctx context.Context, data any) (any, error)

// ProcessFunc handles one payload with access to the trace session and may
// emit any number of outputs.
type ProcessFunc func(ctx context.Context, data any, session *api.FlowSession, emit func(any)) error

// FlatMapFunc expands one payload into a sub-stream.
type FlatMapFunc func(ctx context.Context, data any) ([]any, error)

// ReduceFunc folds the payloads of a fulfilled window into one.
type ReduceFunc func(ctx context.Context, data []any) (any, error)

// MapHandler applies fn to every context 1:1.
func MapHandler(fn MapFunc) Handler {
	return HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
		for _, c := range batch {
			v, err := fn(ctx, c.Data)
			if err != nil {
				return err
			}
			out.Emit(c, v)
		}
		return nil
	})
}

// ProcessHandler runs fn on every context. The context's session is
// mutable and travels with every emitted payload.
func ProcessHandler(fn ProcessFunc) Handler {
	return HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
		for _, c := range batch {
			if c.Session == nil {
				c.Session = api.NewSession(c.TraceID)
			}
			parent := c
			if err := fn(ctx, c.Data, c.Session, func(v any) { out.Emit(parent, v) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// FlatMapHandler expands every context into a sub-stream. Members of the
// sub-stream share a window key derived from the parent so a downstream
// SubStreamWindow can gather them again.
func FlatMapHandler(fn FlatMapFunc) Handler {
	return HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
		for _, c := range batch {
			items, err := fn(ctx, c.Data)
			if err != nil {
				return err
			}
			for _, v := range items {
				out.Add(Emitted{
					Parents:    []*api.FlowContext{c},
					Data:       v,
					WindowKey:  c.ID,
					WindowSize: len(items),
				})
			}
		}
		return nil
	})
}

// JoinHandler reduces the whole batch into one payload whose parents are
// all inputs.
func JoinHandler(fn ReduceFunc) Handler {
	return HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
		if len(batch) == 0 {
			return nil
		}
		data := make([]any, len(batch))
		for i, c := range batch {
			data[i] = c.Data
		}
		v, err := fn(ctx, data)
		if err != nil {
			return err
		}
		out.Add(Emitted{Parents: batch, Data: v})
		return nil
	})
}

// ParallelMode selects how parallel branches combine.
type ParallelMode string

const (
	// ParallelAll runs every enabled branch and emits one output per
	// branch; any branch failure fails the batch.
	ParallelAll ParallelMode = "ALL"
	// ParallelAny runs enabled branches concurrently and emits the first
	// successful result; the remaining branches are cancelled.
	ParallelAny ParallelMode = "ANY"
)

// Branch is one arm of a parallel node.
type Branch struct {
	Name    string
	Whether Whether
	Fn      MapFunc
}

// ParallelHandler forks each context over branches.
func ParallelHandler(mode ParallelMode, branches ...Branch) Handler {
	return HandlerFunc(func(ctx context.Context, batch []*api.FlowContext, out *Output) error {
		for _, c := range batch {
			var enabled []Branch
			for _, b := range branches {
				if b.Whether == nil || b.Whether(c) {
					enabled = append(enabled, b)
				}
			}
			if len(enabled) == 0 {
				continue
			}

			var err error
			if mode == ParallelAny {
				err = runAny(ctx, c, enabled, out)
			} else {
				err = runAll(ctx, c, enabled, out)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func runAll(ctx context.Context, c *api.FlowContext, branches []Branch, out *Output) error {
	results := make([]any, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		g.Go(func() error {
			v, err := b.Fn(gctx, c.Data)
			if err != nil {
				return fmt.Errorf("branch %s: %w", b.Name, err)
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, v := range results {
		out.Add(Emitted{
			Parents:    []*api.FlowContext{c},
			Data:       v,
			WindowKey:  c.ID,
			WindowSize: len(branches),
		})
	}
	return nil
}

func runAny(ctx context.Context, c *api.FlowContext, branches []Branch, out *Output) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	results := make(chan result, len(branches))
	for _, b := range branches {
		go func() {
			v, err := b.Fn(ctx, c.Data)
			if err != nil {
				err = fmt.Errorf("branch %s: %w", b.Name, err)
			}
			results <- result{v: v, err: err}
		}()
	}

	var errs []error
	for range branches {
		r := <-results
		if r.err == nil {
			out.Emit(c, r.v)
			return nil
		}
		errs = append(errs, r.err)
	}
	return errors.Join(errs...)
}
