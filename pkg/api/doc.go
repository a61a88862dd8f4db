// Package api contains the data model shared by the waterflow engine, its
// stores and its callers.
//
// Most users interact with the higher-level waterflow package, which
// re-exports selected types from this package. The api package is intended
// for custom store implementations, observers and integrations that need
// the raw records.
//
// # Contexts
//
// A FlowContext is one unit of work flowing through a flow graph. It always
// belongs to exactly one trace and sits at exactly one node position. Its
// Status follows a fixed lattice:
//
//	NEW -> PENDING -> READY -> ARCHIVED | ERROR | RETRYABLE
//	RETRYABLE -> READY
//
// ARCHIVED and ERROR are terminal. NodeStatus.CanTransition encodes the
// allowed moves and the engine refuses everything else.
//
// # Traces
//
// A FlowTrace is the run-level record of one workflow instance. Its status
// is RUNNING until it becomes ARCHIVED, ERROR or TERMINATED, after which it
// never changes again.
//
// # Notifications
//
// A Notification is a pending outbound message ("node X of trace Y
// completed"). It is only removed after a confirmed delivery.
//
// # Observability
//
// Observer receives trace and node lifecycle callbacks. LoggingObserver
// writes them with log/slog and BasicMetrics keeps simple counters.
package api
