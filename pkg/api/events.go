package api

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies what a notification reports.
type NotificationKind string

const (
	NotificationNodeCompleted  NotificationKind = "node.completed"
	NotificationTraceCompleted NotificationKind = "trace.completed"
)

// Notification is one pending outbound message. It is removed only after a
// confirmed successful delivery.
type Notification struct {
	ID        string
	Kind      NotificationKind
	TraceID   string
	ContextID string
	NodeID    string
	// Target is the id of the remote fitable to invoke.
	Target  string
	Payload map[string]any

	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}

// NewNotification returns a notification that is due immediately.
func NewNotification(kind NotificationKind, target, traceID, nodeID string) *Notification {
	now := time.Now()
	return &Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		TraceID:     traceID,
		NodeID:      nodeID,
		Target:      target,
		Payload:     make(map[string]any),
		NextRetryAt: now,
		CreatedAt:   now,
	}
}
