package waterflow

import (
	"context"
	"log/slog"

	"github.com/petrijr/waterflow/pkg/api"
	"github.com/petrijr/waterflow/pkg/flow"
)

// BuiltinHandlers returns a catalog of generic handlers usable from HCL
// files without Go code: identity, log, count and collect nodes plus retry,
// skip and defer error handlers. Callers may add their own on top.
func BuiltinHandlers(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "flow")

	return flow.NewHandlers().
		Map("identity", func(_ context.Context, v any) (any, error) { return v, nil }).
		Process("log", func(ctx context.Context, v any, s *api.FlowSession, emit func(any)) error {
			logger.InfoContext(ctx, "payload", "trace_id", s.ID, "data", v)
			emit(v)
			return nil
		}).
		Reduce("count", func(_ context.Context, vs []any) (any, error) { return len(vs), nil }).
		Reduce("collect", func(_ context.Context, vs []any) (any, error) {
			return append([]any(nil), vs...), nil
		}).
		OnError("retry", Retry(3).Handler()).
		OnError("skip", func(context.Context, flow.Failure) flow.Decision { return flow.Skip }).
		OnError("defer", func(context.Context, flow.Failure) flow.Decision { return flow.Defer })
}
