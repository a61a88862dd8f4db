// Package worker runs the background side of a waterflow engine.
//
// A Worker fires the engine's scheduler entry points on tickers:
//
//   - Recover, every RecoveryInterval (60s by default) and once on startup,
//     resumes traces abandoned by crashed processes.
//   - Clean, every RetentionInterval (24h), purges expired terminal traces.
//   - Redeliver, every NotifyInterval (1s), retries due notifications.
//
// It also drains an intake queue. Submit and Inject record an offer or an
// event injection durably and return at once; consumers hand the task to
// the engine later, re-queueing it with exponential backoff when the engine
// refuses it for a reason that may clear up (an inactive or not yet
// registered flow, a store outage). Tasks addressed to missing or finished
// traces are dropped.
//
// Several workers may share one store and one queue. The engine's trace
// ownership and the notification driver lock keep them from doing the same
// work twice.
package worker
