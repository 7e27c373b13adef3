package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/config"
	"github.com/hpx-go/parcelrt/transport/smp"
)

func TestNewSMPReportsRankAndRanksFromFabric(t *testing.T) {
	fabric := smp.NewFabric(3, 8)
	h := NewSMP(fabric, 1)
	assert.Equal(t, uint32(1), h.Rank())
	assert.Equal(t, uint32(3), h.Ranks())
	assert.NotNil(t, h.Transport())
}

func TestNewDispatchesOnBootMethod(t *testing.T) {
	fabric := smp.NewFabric(2, 8)
	cfg := config.Default()
	cfg.Boot = config.BootSMP

	h, err := New(cfg, fabric)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.Rank())
	assert.Equal(t, uint32(2), h.Ranks())
}

func TestNewRejectsSMPBootWithoutFabric(t *testing.T) {
	cfg := config.Default()
	cfg.Boot = config.BootSMP
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewRejectsUnsupportedBoot(t *testing.T) {
	cfg := config.Default()
	cfg.Boot = "mpirun"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewStaticRejectsRankOutOfRange(t *testing.T) {
	cfg := config.Default()
	cfg.Boot = config.BootStatic
	cfg.Rank = 5
	cfg.Peers = []string{"127.0.0.1:0"}
	_, err := NewStatic(cfg)
	assert.Error(t, err)
}

func TestAbortFiresHookExactlyOnce(t *testing.T) {
	fabric := smp.NewFabric(1, 8)
	h := NewSMP(fabric, 0)

	calls := 0
	h.SetAbortHook(func(reason string) { calls++ })

	h.Abort("boom")
	h.Abort("boom again")

	assert.Equal(t, 1, calls)
	assert.True(t, h.Aborted())
}

func TestAbortIsNoopWithoutHookInstalled(t *testing.T) {
	fabric := smp.NewFabric(1, 8)
	h := NewSMP(fabric, 0)
	assert.NotPanics(t, func() { h.Abort("boom") })
}
