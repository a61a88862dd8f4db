package flow

import (
	"fmt"
	"time"

	"github.com/petrijr/waterflow/pkg/api"
)

// WindowState is what a window sees when deciding whether to fire.
type WindowState struct {
	Key    string
	Inputs []*api.FlowContext
	Count  int
	// Expected is the declared sub-stream size of the inputs, 0 if unknown.
	Expected int
	// SessionCompleted is set when any input's session is completed.
	SessionCompleted bool
	// Elapsed is the time since the first input arrived.
	Elapsed time.Duration
}

// Window groups contexts for fan-in. Contexts with the same key accumulate
// until Fulfilled returns true; the accumulated inputs are then processed
// as one batch and the window is discarded. A later arrival with the same
// key opens a fresh window.
type Window interface {
	Key(c *api.FlowContext) string
	Fulfilled(s WindowState) bool
}

// TimedWindow is a Window that must be re-evaluated after Timeout even if
// no new input arrives.
type TimedWindow interface {
	Window
	Timeout() time.Duration
}

// DefaultWindowKey groups by trace and sub-stream.
func DefaultWindowKey(c *api.FlowContext) string {
	return c.TraceID + "/" + c.WindowKey
}

type countWindow struct{ n int }

// CountWindow fires once n contexts have accumulated.
func CountWindow(n int) Window { return countWindow{n: n} }

func (w countWindow) Key(c *api.FlowContext) string { return DefaultWindowKey(c) }
func (w countWindow) Fulfilled(s WindowState) bool  { return s.Count >= w.n }

type subStreamWindow struct{}

// SubStreamWindow fires when every member of a sub-stream produced by a
// flat map or parallel fork has arrived, or when the session completes.
func SubStreamWindow() Window { return subStreamWindow{} }

func (subStreamWindow) Key(c *api.FlowContext) string { return DefaultWindowKey(c) }
func (subStreamWindow) Fulfilled(s WindowState) bool {
	return (s.Expected > 0 && s.Count >= s.Expected) || s.SessionCompleted
}

type timeWindow struct{ d time.Duration }

// TimeWindow fires d after its first input, or earlier when the session
// completes.
func TimeWindow(d time.Duration) TimedWindow { return timeWindow{d: d} }

func (w timeWindow) Key(c *api.FlowContext) string { return DefaultWindowKey(c) }
func (w timeWindow) Fulfilled(s WindowState) bool {
	return s.Elapsed >= w.d || s.SessionCompleted
}
func (w timeWindow) Timeout() time.Duration { return w.d }

type sessionWindow struct {
	attr      string
	fulfilled func(WindowState) bool
}

// SessionWindow keys windows by the session id and the value of a session
// attribute, so concurrent traces never share a window. fulfilled defaults
// to firing on session completion.
func SessionWindow(attr string, fulfilled func(WindowState) bool) Window {
	return sessionWindow{attr: attr, fulfilled: fulfilled}
}

func (w sessionWindow) Key(c *api.FlowContext) string {
	if c.Session == nil {
		return DefaultWindowKey(c)
	}
	v, _ := c.Session.Get(w.attr)
	return fmt.Sprintf("%s/%s=%v", c.Session.ID, w.attr, v)
}

func (w sessionWindow) Fulfilled(s WindowState) bool {
	if w.fulfilled == nil {
		return s.SessionCompleted
	}
	return w.fulfilled(s)
}

type funcWindow struct {
	key       func(*api.FlowContext) string
	fulfilled func(WindowState) bool
}

// WindowFunc builds a window from functions. A nil key uses
// DefaultWindowKey.
func WindowFunc(key func(*api.FlowContext) string, fulfilled func(WindowState) bool) Window {
	if key == nil {
		key = DefaultWindowKey
	}
	return funcWindow{key: key, fulfilled: fulfilled}
}

func (w funcWindow) Key(c *api.FlowContext) string { return w.key(c) }
func (w funcWindow) Fulfilled(s WindowState) bool  { return w.fulfilled(s) }
