package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds definitions by stream id and version. The most recently
// registered version of a stream is its latest.
type Registry struct {
	mu       sync.RWMutex
	byStream map[string]map[string]*Definition
	latest   map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byStream: make(map[string]map[string]*Definition),
		latest:   make(map[string]string),
	}
}

// Register adds def. Registering the same stream and version twice fails.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrDefinition)
	}
	if def.Version == "" {
		def.Version = "v1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byStream[def.StreamID]
	if versions == nil {
		versions = make(map[string]*Definition)
		r.byStream[def.StreamID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("flow %q version %q already registered", def.StreamID, def.Version)
	}

	versions[def.Version] = def
	r.latest[def.StreamID] = def.Version
	return nil
}

// Get returns a specific version. An empty version means the latest.
func (r *Registry) Get(streamID, version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byStream[streamID]
	if versions == nil {
		return nil, fmt.Errorf("%w: %q", ErrFlowNotFound, streamID)
	}
	if version == "" {
		version = r.latest[streamID]
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q version %q", ErrFlowNotFound, streamID, version)
	}
	return def, nil
}

// Latest returns the most recently registered version of a stream.
func (r *Registry) Latest(streamID string) (*Definition, error) {
	return r.Get(streamID, "")
}

// SetActive toggles whether new work may be offered to a stream version.
func (r *Registry) SetActive(streamID, version string, active bool) error {
	def, err := r.Get(streamID, version)
	if err != nil {
		return err
	}
	def.SetActive(active)
	return nil
}

// Versions lists the registered versions of a stream, sorted.
func (r *Registry) Versions(streamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byStream[streamID]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Streams lists registered stream ids, sorted.
func (r *Registry) Streams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byStream))
	for s := range r.byStream {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
