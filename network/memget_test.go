package network

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
	"github.com/hpx-go/parcelrt/transport/smp"
	"github.com/hpx-go/parcelrt/worker"
)

// TestMemGetSyncFetchesBytesFromRemoteLocality exercises the full §4.5
// MemGetSync rendezvous across two localities sharing no memory: a buffer
// allocated and filled on locality 1 is fetched, blocking, by a user
// thread running on locality 0, using the same scratch-Future rendezvous
// shape lco.Table's own remote Get uses.
func TestMemGetSyncFetchesBytesFromRemoteLocality(t *testing.T) {
	heap0 := newTestHeap(t, 0, 2)
	heap1 := newTestHeap(t, 1, 2)
	fabric := smp.NewFabric(2, 16)

	table0 := lco.NewTable(heap0, nil)

	reg0 := action.NewRegistry()
	reg1 := action.NewRegistry()
	require.NoError(t, lco.RegisterRemoteActions(reg0, table0))
	require.NoError(t, RegisterMemActions(reg1, heap1))

	data := []byte("the quick brown fox jumps over the lazy dog")
	srcAddr := heap1.AllocLocal(len(data))
	require.True(t, heap1.MemPut(srcAddr, data).OK())

	results := make(chan []byte, 1)
	fetchID, err := reg0.Register("fetch", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		buf := make([]byte, len(data))
		st := heap0.MemGetSync(th, srcAddr, buf)
		require.True(t, st.OK())
		results <- buf
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	reg0.Finalize()
	reg1.Finalize()

	var w0, w1 *worker.Worker
	d0, err := New(Config{
		Heap:      heap0,
		Transport: fabric.Transport(0),
		SubmitLocal: func(p *parcel.Parcel) status.Status { return w0.Submit(p) },
		Table:     table0,
	})
	require.NoError(t, err)
	d1, err := New(Config{
		Heap:        heap1,
		Transport:   fabric.Transport(1),
		SubmitLocal: func(p *parcel.Parcel) status.Status { return w1.Submit(p) },
	})
	require.NoError(t, err)

	w0 = worker.New(worker.Config{ID: 0, Registry: reg0, Heap: heap0, Deliver: d0.Send, Progress: d0.Progress})
	w1 = worker.New(worker.Config{ID: 1, Registry: reg1, Heap: heap1, Deliver: d1.Send, Progress: d1.Progress})
	go w0.Run()
	go w1.Run()
	defer w0.RequestShutdown()
	defer w1.RequestShutdown()

	require.True(t, w0.Submit(&parcel.Parcel{Action: fetchID}).OK())

	select {
	case got := <-results:
		assert.Equal(t, data, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MemGetSync to fetch the remote buffer")
	}
}

func TestMemGetSyncLocalAddressSkipsNetwork(t *testing.T) {
	heap := newTestHeap(t, 0, 1)
	addr := heap.AllocLocal(4)
	require.True(t, heap.MemPut(addr, []byte("abcd")).OK())

	buf := make([]byte, 4)
	st := heap.MemGetSync(nil, addr, buf)
	assert.True(t, st.OK())
	assert.Equal(t, []byte("abcd"), buf)
}

func TestMemGetSyncRemoteWithoutHookReturnsNotFound(t *testing.T) {
	heap := newTestHeap(t, 0, 2)
	remote := gas.New(1, 0, 0)
	buf := make([]byte, 4)
	st := heap.MemGetSync(nil, remote, buf)
	assert.Equal(t, status.NotFound, st)
}

// TestMemGetAsyncLocalAddressCallsDoneImmediately covers §4.5's local case
// of the non-blocking memget(dst, src, n, done_lco) form: done fires
// before MemGetAsync returns, with no thread or goroutine involved.
func TestMemGetAsyncLocalAddressCallsDoneImmediately(t *testing.T) {
	heap := newTestHeap(t, 0, 1)
	addr := heap.AllocLocal(4)
	require.True(t, heap.MemPut(addr, []byte("abcd")).OK())

	buf := make([]byte, 4)
	var gotStatus status.Status
	called := false
	st := heap.MemGetAsync(addr, buf, func(s status.Status) { called = true; gotStatus = s })

	assert.True(t, st.OK())
	assert.True(t, called, "done must fire synchronously for a local address")
	assert.True(t, gotStatus.OK())
	assert.Equal(t, []byte("abcd"), buf)
}

// TestMemGetAsyncFetchesBytesFromRemoteLocalityWithoutBlocking is
// MemGetAsync's counterpart to TestMemGetSyncFetchesBytesFromRemoteLocality
// — same two-locality rendezvous, but the caller never suspends a thread;
// MemGetAsync returns immediately and done is invoked later from the
// dispatcher's background goroutine (§8 scenario shape, §4.5's "memget
// with a done LCO is non-blocking and signals the LCO after the bytes
// land").
func TestMemGetAsyncFetchesBytesFromRemoteLocalityWithoutBlocking(t *testing.T) {
	heap0 := newTestHeap(t, 0, 2)
	heap1 := newTestHeap(t, 1, 2)
	fabric := smp.NewFabric(2, 16)

	table0 := lco.NewTable(heap0, nil)

	reg0 := action.NewRegistry()
	reg1 := action.NewRegistry()
	require.NoError(t, lco.RegisterRemoteActions(reg0, table0))
	require.NoError(t, RegisterMemActions(reg1, heap1))
	reg0.Finalize()
	reg1.Finalize()

	data := []byte("the quick brown fox jumps over the lazy dog")
	srcAddr := heap1.AllocLocal(len(data))
	require.True(t, heap1.MemPut(srcAddr, data).OK())

	var w0, w1 *worker.Worker
	d0, err := New(Config{
		Heap:        heap0,
		Transport:   fabric.Transport(0),
		SubmitLocal: func(p *parcel.Parcel) status.Status { return w0.Submit(p) },
		Table:       table0,
	})
	require.NoError(t, err)
	d1, err := New(Config{
		Heap:        heap1,
		Transport:   fabric.Transport(1),
		SubmitLocal: func(p *parcel.Parcel) status.Status { return w1.Submit(p) },
	})
	require.NoError(t, err)

	w0 = worker.New(worker.Config{ID: 0, Registry: reg0, Heap: heap0, Deliver: d0.Send, Progress: d0.Progress})
	w1 = worker.New(worker.Config{ID: 1, Registry: reg1, Heap: heap1, Deliver: d1.Send, Progress: d1.Progress})
	go w0.Run()
	go w1.Run()
	defer w0.RequestShutdown()
	defer w1.RequestShutdown()

	buf := make([]byte, len(data))
	done := make(chan status.Status, 1)
	st := heap0.MemGetAsync(srcAddr, buf, func(s status.Status) { done <- s })
	require.True(t, st.OK(), "MemGetAsync must return immediately, not the fetch's own outcome")

	select {
	case s := <-done:
		require.True(t, s.OK())
		assert.Equal(t, data, buf)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MemGetAsync's done callback")
	}
}
