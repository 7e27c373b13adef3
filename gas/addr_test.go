package gas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrEncodeDecode(t *testing.T) {
	a := New(3, 12345, 42)
	assert.Equal(t, uint32(3), a.Locality())
	assert.Equal(t, uint32(12345), a.Block())
	assert.Equal(t, uint32(42), a.Phase())
	assert.False(t, a.IsNull())
	assert.True(t, Null.IsNull())
}

func TestAddAdditiveOverTwoDeltas(t *testing.T) {
	const blockBytes = 64
	const ranks = 4

	a := New(1, 10, 5)
	for _, d1 := range []int64{0, 1, 37, 130, -3, -70} {
		for _, d2 := range []int64{0, 5, 64, -11, 200} {
			got := a.Add(d1, blockBytes, ranks).Add(d2, blockBytes, ranks)
			want := a.Add(d1+d2, blockBytes, ranks)
			assert.Equalf(t, want, got, "d1=%d d2=%d", d1, d2)
		}
	}
}

func TestSubInvertsAdd(t *testing.T) {
	const blockBytes = 128
	const ranks = 8

	a := New(2, 100, 10)
	for _, d := range []int64{0, 1, 127, 128, 1000, -1, -128, -999} {
		b := a.Add(d, blockBytes, ranks)
		got := Sub(b, a, blockBytes)
		assert.Equalf(t, d, got, "delta=%d", d)
	}
}

func TestNewPanicsOnOverflow(t *testing.T) {
	require.Panics(t, func() { New(1, 0, 1<<phaseBits) })
}
