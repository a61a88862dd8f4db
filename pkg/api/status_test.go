package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatus_Lattice(t *testing.T) {
	cases := []struct {
		from, to NodeStatus
		ok       bool
	}{
		{NodeStatusNew, NodeStatusPending, true},
		{NodeStatusNew, NodeStatusReady, true},
		{NodeStatusPending, NodeStatusReady, true},
		{NodeStatusReady, NodeStatusArchived, true},
		{NodeStatusReady, NodeStatusError, true},
		{NodeStatusReady, NodeStatusRetryable, true},
		{NodeStatusRetryable, NodeStatusReady, true},
		{NodeStatusReady, NodeStatusReady, true},

		{NodeStatusReady, NodeStatusPending, false},
		{NodeStatusPending, NodeStatusNew, false},
		{NodeStatusArchived, NodeStatusReady, false},
		{NodeStatusError, NodeStatusRetryable, false},
		{NodeStatusArchived, NodeStatusArchived, false},
		{NodeStatusNew, NodeStatusArchived, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFlowContext_SetStatusRejectsIllegalMove(t *testing.T) {
	c := &FlowContext{ID: "c1", Status: NodeStatusArchived}

	err := c.SetStatus(NodeStatusReady)
	require.Error(t, err)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, NodeStatusArchived, te.From)
	assert.Equal(t, NodeStatusArchived, c.Status)
}

func TestTraceStatus_IsTerminal(t *testing.T) {
	assert.False(t, TraceStatusRunning.IsTerminal())
	for _, s := range TerminalTraceStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestFlowContext_DeriveCopiesSession(t *testing.T) {
	parent := &FlowContext{ID: "p", TraceID: "t", Position: "n1", Status: NodeStatusReady, Session: NewSession("t")}
	parent.Session.Set("k", 1)

	child := parent.Derive("payload")
	child.Session.Set("k", 2)

	require.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, []string{"p"}, child.ParentIDs)
	assert.Equal(t, NodeStatusNew, child.Status)
	v, _ := parent.Session.Get("k")
	assert.Equal(t, 1, v)
}

func TestMergeSessions_LaterWins(t *testing.T) {
	a := NewSession("t")
	a.Set("x", 1)
	a.Set("y", "a")
	b := NewSession("t")
	b.Set("y", "b")
	b.Complete()

	merged, err := MergeSessions(nil, a, b)
	require.NoError(t, err)
	assert.Equal(t, "t", merged.ID)
	assert.Equal(t, 1, merged.State["x"])
	assert.Equal(t, "b", merged.State["y"])
	assert.True(t, merged.Completed)

	// inputs untouched
	assert.Equal(t, "a", a.State["y"])
}
