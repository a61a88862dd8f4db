package flow

import (
	"context"
	"fmt"

	"github.com/petrijr/waterflow/pkg/api"
)

// as converts an untyped payload to T. A nil payload becomes the zero value
// of T.
func as[T any](op string, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: expected input of type %T, got %T", op, zero, v)
	}
	return t, nil
}

// MapOf wraps a strongly-typed transform into a MapFunc.
//
//	flow.MapOf(func(ctx context.Context, o Order) (Invoice, error) { ... })
func MapOf[I, O any](fn func(context.Context, I) (O, error)) MapFunc {
	return func(ctx context.Context, data any) (any, error) {
		in, err := as[I]("MapOf", data)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// ProcessOf wraps a strongly-typed process function into a ProcessFunc.
func ProcessOf[I any](fn func(context.Context, I, *api.FlowSession, func(any)) error) ProcessFunc {
	return func(ctx context.Context, data any, session *api.FlowSession, emit func(any)) error {
		in, err := as[I]("ProcessOf", data)
		if err != nil {
			return err
		}
		return fn(ctx, in, session, emit)
	}
}

// FlatMapOf wraps a strongly-typed expansion into a FlatMapFunc.
func FlatMapOf[I, O any](fn func(context.Context, I) ([]O, error)) FlatMapFunc {
	return func(ctx context.Context, data any) ([]any, error) {
		in, err := as[I]("FlatMapOf", data)
		if err != nil {
			return nil, err
		}
		items, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, v := range items {
			out[i] = v
		}
		return out, nil
	}
}

// ReduceOf wraps a strongly-typed reducer into a ReduceFunc.
func ReduceOf[I, O any](fn func(context.Context, []I) (O, error)) ReduceFunc {
	return func(ctx context.Context, data []any) (any, error) {
		in := make([]I, len(data))
		for i, v := range data {
			t, err := as[I]("ReduceOf", v)
			if err != nil {
				return nil, err
			}
			in[i] = t
		}
		return fn(ctx, in)
	}
}

// WhetherOf wraps a predicate over the typed payload. Contexts carrying a
// payload of another type are rejected.
func WhetherOf[I any](fn func(I) bool) Whether {
	return func(c *api.FlowContext) bool {
		in, err := as[I]("WhetherOf", c.Data)
		if err != nil {
			return false
		}
		return fn(in)
	}
}
