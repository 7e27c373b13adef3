package lco

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
	"github.com/hpx-go/parcelrt/worker"
)

func newTestHeap(t *testing.T, rank, ranks gas.Rank) *gas.Heap {
	t.Helper()
	h, err := gas.NewHeap(gas.Config{Rank: rank, Ranks: ranks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// TestTableLocalGetBlocksUntilSet exercises the everyday single-locality
// path: a user thread parks in Table.Get, a second action running on the
// same worker sets the value, and the parked thread wakes with it — the
// same Submit-then-Submit-on-one-worker sequencing worker_test.go's own
// TestYieldRequeuesCurrentThread relies on to order two bound threads.
func TestTableLocalGetBlocksUntilSet(t *testing.T) {
	heap := newTestHeap(t, 0, 1)
	tbl := NewTable(heap, nil)
	addr := tbl.New(NewFuture())

	reg := action.NewRegistry()
	results := make(chan []byte, 1)

	waitID, err := reg.Register("wait-future", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		val, st := tbl.Get(th, addr)
		require.True(t, st.OK())
		results <- val
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	setID, err := reg.Register("set-future", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		tbl.Set(th.Sched, addr, []byte("hello"))
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	var w *worker.Worker
	w = worker.New(worker.Config{ID: 0, Registry: reg, Heap: heap, Deliver: func(p *parcel.Parcel) status.Status { return w.Submit(p) }})
	go w.Run()
	defer w.RequestShutdown()

	require.True(t, w.Submit(&parcel.Parcel{Action: waitID}).OK())
	require.True(t, w.Submit(&parcel.Parcel{Action: setID}).OK())

	select {
	case val := <-results:
		assert.Equal(t, []byte("hello"), val)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Table.Get to observe the Set")
	}
}

// TestTableRemoteGetAndSetRendezvous models two localities sharing no
// memory, wired together only by each Table's deliver func routing a
// parcel to whichever worker owns its target's locality — the in-process
// stand-in for package network's Dispatcher. It exercises the full §4.4
// remote protocol: Table.Get on locality 0 forwards via RemoteGetAction to
// locality 1, which parks its own thread on the local Future, and once
// locality 0 also forwards a Set via RemoteSetAction, locality 1 wakes,
// returns the value as a continuation, and locality 0's scratch Future is
// signalled via action.LCOSet.
func TestTableRemoteGetAndSetRendezvous(t *testing.T) {
	heap0 := newTestHeap(t, 0, 2)
	heap1 := newTestHeap(t, 1, 2)

	tbl0 := NewTable(heap0, nil)
	tbl1 := NewTable(heap1, nil)

	reg0 := action.NewRegistry()
	reg1 := action.NewRegistry()
	require.NoError(t, RegisterRemoteActions(reg0, tbl0))
	require.NoError(t, RegisterRemoteActions(reg1, tbl1))

	var w0, w1 *worker.Worker
	deliver0 := func(p *parcel.Parcel) status.Status {
		if p.Target.Locality() == 0 {
			return w0.Submit(p)
		}
		return w1.Submit(p)
	}
	deliver1 := func(p *parcel.Parcel) status.Status {
		if p.Target.Locality() == 1 {
			return w1.Submit(p)
		}
		return w0.Submit(p)
	}
	tbl0.deliver = deliver0
	tbl1.deliver = deliver1

	addr := tbl1.New(NewFuture()) // lives on locality 1

	results := make(chan []byte, 1)
	getID, err := reg0.Register("remote-get", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		val, st := tbl0.Get(th, addr)
		require.True(t, st.OK())
		results <- val
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	setID, err := reg0.Register("remote-set", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		tbl0.Set(th.Sched, addr, []byte("remote value"))
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	reg0.Finalize()
	reg1.Finalize()

	w0 = worker.New(worker.Config{ID: 0, Registry: reg0, Heap: heap0, Deliver: deliver0})
	w1 = worker.New(worker.Config{ID: 1, Registry: reg1, Heap: heap1, Deliver: deliver1})
	go w0.Run()
	go w1.Run()
	defer w0.RequestShutdown()
	defer w1.RequestShutdown()

	require.True(t, w0.Submit(&parcel.Parcel{Action: getID}).OK())
	require.True(t, w0.Submit(&parcel.Parcel{Action: setID}).OK())

	select {
	case val := <-results:
		assert.Equal(t, []byte("remote value"), val)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the remote get/set rendezvous")
	}
}

func TestTableSetForwardsWhenDeliverIsNilReturnsNotFound(t *testing.T) {
	heap0 := newTestHeap(t, 0, 2)
	tbl := NewTable(heap0, nil)

	remote := gas.New(1, 0, 0)
	st := tbl.Set(noopScheduler{}, remote, []byte("x"))
	assert.Equal(t, status.NotFound, st)
}

type noopScheduler struct{}

func (noopScheduler) Yield(*thread.Thread)                      {}
func (noopScheduler) Suspend(*thread.Thread, thread.Continuation, any) {}
func (noopScheduler) Wake(*thread.Thread)                       {}
