// Package waterflow provides an embeddable, persistence-backed flow engine
// for Go.
//
// A flow is a directed graph of nodes. Payloads enter at the START node as
// contexts, travel along subscriptions and are archived at END nodes. Every
// hop is committed to a store before the next node sees it, so a trace (one
// run of a flow) survives the crash of the worker process driving it.
//
// # Core Concepts
//
//  1. Definition, built with NewFlow or loaded from HCL files
//  2. Runtime, which delivers contexts to nodes and commits each hop
//  3. Worker, which fires the recovery, retention and notification
//     schedulers and drains the intake queue
//  4. WorkerBundle and LocalRunner, which wire the pieces together
//
// # Definitions
//
// The builder offers Map, Process, FlatMap, Join, Parallel, Conditions,
// Event and End nodes. Join nodes gather contexts in windows (count,
// sub-stream, time or session based); blocks bound how many batches a node
// runs at once; filters drop or reroute contexts before or after a node.
//
//	def := waterflow.NewFlow("orders", "1").
//	    Start("start").
//	    Map("price", price).
//	    Conditions("route").
//	    When(isLarge).To("review").
//	    Otherwise().To("done").
//	    Map("review", review, waterflow.Retry(3).Options()...).To("done").
//	    End("done").
//	    MustBuild()
//
// # Failures
//
// A failing batch is handed to the node's error handler, then the flow's
// global handler, then the engine default. A handler may retry the batch,
// defer it for an operator, skip it or fail the trace.
//
// # Durability
//
// Runtimes can be backed by memory (tests), SQLite or PostgreSQL. Trace
// ownership is kept through leases in a lock backend (memory, SQL, Redis or
// Badger); when a worker dies its leases expire and Recover on another
// worker resumes its traces.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory runtime, queue and worker into a single
// process-local helper for development and unit tests. It is not
// crash-durable.
package waterflow
