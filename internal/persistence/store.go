package persistence

import (
	"context"
	"time"

	"github.com/petrijr/waterflow/pkg/api"
)

// ContextStore persists FlowContexts.
type ContextStore interface {
	CreateContexts(ctx context.Context, contexts []*api.FlowContext) error
	// UpdateContexts overwrites status, position and bookkeeping fields of
	// existing contexts. It returns api.ErrContextNotFound if any id is
	// unknown.
	UpdateContexts(ctx context.Context, contexts []*api.FlowContext) error
	// GetContexts returns the contexts with the given ids. Unknown ids are
	// skipped.
	GetContexts(ctx context.Context, ids []string) ([]*api.FlowContext, error)
	ListContextsByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error)
	// ListActiveContexts returns the non-terminal contexts of a trace.
	ListActiveContexts(ctx context.Context, traceID string) ([]*api.FlowContext, error)
	CountActiveContexts(ctx context.Context, traceID string) (int, error)
	DeleteContextsByTraces(ctx context.Context, traceIDs []string) (int, error)
}

// TraceStore persists FlowTraces.
type TraceStore interface {
	CreateTrace(ctx context.Context, trace *api.FlowTrace) error
	GetTrace(ctx context.Context, id string) (*api.FlowTrace, error)
	// UpdateTraceStatus moves a RUNNING trace to status at the given time,
	// which also stamps EndedAt for terminal statuses. It reports false
	// without error when the trace already reached a terminal status.
	UpdateTraceStatus(ctx context.Context, id string, status api.TraceStatus, errMsg string, at time.Time) (bool, error)
	UpdateTraceOwner(ctx context.Context, id, owner string) error
	// ListRunningTraces pages through RUNNING traces ordered by id,
	// starting after the given id.
	ListRunningTraces(ctx context.Context, after string, limit int) ([]*api.FlowTrace, error)
	// ListExpiredTraces returns ids of terminal traces that ended before
	// the cutoff, oldest first.
	ListExpiredTraces(ctx context.Context, before time.Time, limit int) ([]string, error)
	DeleteTraces(ctx context.Context, ids []string) (int, error)
}

// NotificationStore persists pending outbound notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *api.Notification) error
	// DueNotifications returns records whose next retry time is at or
	// before now, earliest first.
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]*api.Notification, error)
	DeleteNotification(ctx context.Context, id string) error
	RescheduleNotification(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error
}

// Transition is the unit of work committed when a node finishes a batch.
type Transition struct {
	// Update holds existing contexts whose status changed.
	Update []*api.FlowContext
	// Create holds contexts produced for downstream subscriptions.
	Create []*api.FlowContext
	Notify []*api.Notification
}

// Empty reports whether the transition carries no writes.
func (t Transition) Empty() bool {
	return len(t.Update) == 0 && len(t.Create) == 0 && len(t.Notify) == 0
}

// Store is the full persistence surface used by the engine.
type Store interface {
	ContextStore
	TraceStore
	NotificationStore

	// Commit applies a transition atomically.
	Commit(ctx context.Context, t Transition) error
	// PurgeTraces deletes traces together with their contexts and
	// notifications in one transaction.
	PurgeTraces(ctx context.Context, ids []string) (int, error)
}
