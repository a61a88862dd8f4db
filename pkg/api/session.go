package api

import (
	"dario.cat/mergo"
)

// FlowSession carries per-run key/value state along a trace.
type FlowSession struct {
	// ID is the causal session id; it defaults to the trace id.
	ID        string
	State     map[string]any
	Completed bool
}

// NewSession returns an empty session with the given id.
func NewSession(id string) *FlowSession {
	return &FlowSession{ID: id, State: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *FlowSession) Get(key string) (any, bool) {
	if s == nil || s.State == nil {
		return nil, false
	}
	v, ok := s.State[key]
	return v, ok
}

// Set stores value under key.
func (s *FlowSession) Set(key string, value any) {
	if s.State == nil {
		s.State = make(map[string]any)
	}
	s.State[key] = value
}

// Complete flags the session as finished. Windows may use the flag to
// fire early.
func (s *FlowSession) Complete() {
	s.Completed = true
}

// Clone returns a copy with its own top-level state map.
func (s *FlowSession) Clone() *FlowSession {
	if s == nil {
		return nil
	}
	cp := &FlowSession{ID: s.ID, Completed: s.Completed, State: make(map[string]any, len(s.State))}
	for k, v := range s.State {
		cp.State[k] = v
	}
	return cp
}

// MergeSessions folds sessions into one. Later sessions override earlier
// ones on conflicting keys and the result is completed if any input is.
// The id of the first non-nil session is kept.
func MergeSessions(sessions ...*FlowSession) (*FlowSession, error) {
	var merged *FlowSession
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if merged == nil {
			merged = s.Clone()
			continue
		}
		if err := mergo.Merge(&merged.State, s.State, mergo.WithOverride); err != nil {
			return nil, err
		}
		merged.Completed = merged.Completed || s.Completed
	}
	return merged, nil
}
