package smp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFabricDeliversBetweenRanks(t *testing.T) {
	f := NewFabric(3, 8)
	a := f.Transport(0)
	b := f.Transport(1)

	require.NoError(t, a.Send(1, []byte("hello")))

	src, data, ok := b.Recv()
	require.True(t, ok)
	assert.Equal(t, uint32(0), src)
	assert.Equal(t, []byte("hello"), data)

	_, _, ok = b.Recv()
	assert.False(t, ok, "inbox should be empty after draining the single message")
}

func TestFabricSendToUnknownRankErrors(t *testing.T) {
	f := NewFabric(2, 8)
	a := f.Transport(0)
	assert.Error(t, a.Send(7, []byte("x")))
}

func TestFabricSendAfterCloseErrors(t *testing.T) {
	f := NewFabric(2, 8)
	a := f.Transport(0)
	b := f.Transport(1)
	require.NoError(t, b.Close())
	assert.Error(t, a.Send(1, []byte("x")))
}

func TestFabricSendDoesNotAliasCallerBuffer(t *testing.T) {
	f := NewFabric(2, 8)
	a := f.Transport(0)
	b := f.Transport(1)

	buf := []byte("mutable")
	require.NoError(t, a.Send(1, buf))
	buf[0] = 'X'

	_, data, ok := b.Recv()
	require.True(t, ok)
	assert.Equal(t, []byte("mutable"), data)
}
