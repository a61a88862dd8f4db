package api

import "time"

// FlowTrace is the run-level record of one workflow instance.
type FlowTrace struct {
	ID       string
	StreamID string
	Version  string
	Status   TraceStatus

	// Owner is the worker currently driving the trace.
	Owner     string
	StartNode string
	Error     string

	CreatedAt time.Time
	UpdatedAt time.Time
	// EndedAt is set when the trace reaches a terminal status.
	EndedAt time.Time
}
