package lco

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
	"github.com/hpx-go/parcelrt/worker"
)

func TestSemaphoreOnWaitConsumesAvailableUnit(t *testing.T) {
	s := NewSemaphore(1)

	assert.Equal(t, status.OK, s.OnWait(), "one unit should be available")
	assert.Equal(t, status.ChannelEmpty, s.OnWait(), "the unit was already consumed")
}

func TestSemaphoreOnSetReleasesAUnit(t *testing.T) {
	s := NewSemaphore(0)
	require.Equal(t, status.ChannelEmpty, s.OnWait())

	require.True(t, s.OnSet(nil).OK())
	assert.Equal(t, status.OK, s.OnWait())
}

func TestSemaphoreVReleasesWhatPAcquired(t *testing.T) {
	s := NewSemaphore(2)

	require.Equal(t, status.OK, s.OnWait())
	require.Equal(t, status.OK, s.OnWait())
	require.Equal(t, status.ChannelEmpty, s.OnWait())

	s.V()
	assert.Equal(t, status.OK, s.OnWait())
}

func TestSemaphoreOnAttachRejected(t *testing.T) {
	s := NewSemaphore(1)
	assert.Equal(t, status.Fatal, s.OnAttach(1))
}

// TestSemaphoreTableWaitUnblocksAfterV exercises the generic, address-keyed
// Table.Wait path — the only path lco/remote.go's remoteWaitHandler ever
// uses — rather than calling P/OnWait/V directly. Before V/OnSet set
// triggeredBit, a Semaphore reached only through Table.Wait/Table.Get (as
// every remote or Table-routed caller does) would never observe readiness
// and the parked thread would never wake.
func TestSemaphoreTableWaitUnblocksAfterV(t *testing.T) {
	heap := newTestHeap(t, 0, 1)
	tbl := NewTable(heap, nil)
	sem := NewSemaphore(0)
	addr := tbl.New(sem)

	reg := action.NewRegistry()
	woke := make(chan struct{}, 1)

	waitID, err := reg.Register("wait-sem", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		require.True(t, tbl.Wait(th, addr).OK())
		woke <- struct{}{}
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	vID, err := reg.Register("v-sem", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		sem.V()
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	var w *worker.Worker
	w = worker.New(worker.Config{ID: 0, Registry: reg, Heap: heap, Deliver: func(p *parcel.Parcel) status.Status { return w.Submit(p) }})
	go w.Run()
	defer w.RequestShutdown()

	require.True(t, w.Submit(&parcel.Parcel{Action: waitID}).OK())
	require.True(t, w.Submit(&parcel.Parcel{Action: vID}).OK())

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Table.Wait to observe V through triggeredBit")
	}
}
