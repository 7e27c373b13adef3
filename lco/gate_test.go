package lco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/status"
)

func TestAndGateTriggersOnlyAfterArityContributions(t *testing.T) {
	g := NewAndGate(3)

	require.True(t, g.OnSet(nil).OK())
	assert.Equal(t, status.ChannelEmpty, mustNotReady(t, g))

	require.True(t, g.OnSet(nil).OK())
	assert.Equal(t, status.ChannelEmpty, mustNotReady(t, g))

	require.True(t, g.OnSet(nil).OK())
	ok, st := g.onReady()
	assert.True(t, ok)
	assert.True(t, st.OK())
}

func mustNotReady(t *testing.T, g *AndGate) status.Status {
	t.Helper()
	ok, _ := g.onReady()
	if ok {
		t.Fatal("gate reported ready before arity contributions landed")
	}
	return status.ChannelEmpty
}

func TestAndGateOnAttachGrowsArity(t *testing.T) {
	g := NewAndGate(1)
	require.True(t, g.OnAttach(2).OK())

	require.True(t, g.OnSet(nil).OK())
	ok, _ := g.onReady()
	assert.False(t, ok, "growing arity to 3 should require 3 total contributions")

	require.True(t, g.OnSet(nil).OK())
	require.True(t, g.OnSet(nil).OK())
	ok, st := g.onReady()
	assert.True(t, ok)
	assert.True(t, st.OK())
}

func TestAndGateOnErrorIsSticky(t *testing.T) {
	g := NewAndGate(2)
	g.OnError(status.UserBase + 1)

	ok, st := g.onReady()
	require.True(t, ok)
	assert.Equal(t, status.LCOError, st)

	// A late Set after Error must not un-error the gate.
	require.True(t, g.OnSet(nil).OK())
	ok, st = g.onReady()
	require.True(t, ok)
	assert.Equal(t, status.LCOError, st)
}

func TestAndGateOnReset(t *testing.T) {
	g := NewAndGate(1)
	require.True(t, g.OnSet(nil).OK())
	g.OnReset()

	ok, _ := g.onReady()
	assert.False(t, ok)
}
