// Package notify delivers completion notifications to remote receivers.
package notify

import (
	"context"
	"errors"

	"github.com/petrijr/waterflow/pkg/api"
)

// ErrUnknownTarget is returned when no receiver address is configured for
// a notification target.
var ErrUnknownTarget = errors.New("unknown notification target")

// Invoker sends one notification. An error means the notification must be
// retried later.
type Invoker interface {
	Invoke(ctx context.Context, n *api.Notification) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, n *api.Notification) error

func (f InvokerFunc) Invoke(ctx context.Context, n *api.Notification) error { return f(ctx, n) }

// Discard accepts every notification without sending it.
var Discard Invoker = InvokerFunc(func(context.Context, *api.Notification) error { return nil })
