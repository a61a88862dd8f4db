// Package flow defines flow graphs: nodes, the subscriptions (events)
// connecting them and the operators that process contexts at each node.
//
// A Definition is built once per stream and version with a Builder or
// loaded from an HCL file, registered in a Registry and then executed by
// the engine. Definitions are immutable after Build apart from their
// active flag and the runtime state of Blocks.
package flow
