package worker

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

func newTestHeap(t *testing.T) *gas.Heap {
	t.Helper()
	h, err := gas.NewHeap(gas.Config{Rank: 0, Ranks: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// delivered collects parcels handed to Deliver, standing in for the
// network dispatcher a real runtime would wire in.
type delivered struct {
	mu sync.Mutex
	ps []*parcel.Parcel
}

func (d *delivered) deliver(p *parcel.Parcel) status.Status {
	d.mu.Lock()
	d.ps = append(d.ps, p)
	d.mu.Unlock()
	return status.OK
}

func (d *delivered) list() []*parcel.Parcel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*parcel.Parcel, len(d.ps))
	copy(out, d.ps)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestSubmitDefaultActionRunsAndFiresContinuation(t *testing.T) {
	reg := action.NewRegistry()
	id, err := reg.Register("double", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		n := args[0].Int()
		return action.EncodeArgs(int(n * 2))
	}, action.Default, reflect.TypeOf(int(0)))
	require.NoError(t, err)
	reg.Finalize()

	heap := newTestHeap(t)
	d := &delivered{}
	w := New(Config{ID: 0, Registry: reg, Heap: heap, Deliver: d.deliver})
	go w.Run()
	defer w.RequestShutdown()

	payload, err := action.EncodeArgs(21)
	require.NoError(t, err)

	p := &parcel.Parcel{Action: id, Payload: payload}
	p.SetContinuation(gas.New(0, 1, 0), action.NoAction+42)

	st := w.Submit(p)
	require.True(t, st.OK())

	waitFor(t, func() bool { return len(d.list()) == 1 })
	got := d.list()[0]
	assert.Equal(t, gas.New(0, 1, 0), got.Target)

	decoder := &action.Entry{Args: []reflect.Type{reflect.TypeOf(int(0))}}
	args, err := decoder.DecodeArgs(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), args[0].Int())
}

func TestSubmitInterruptActionRunsSynchronouslyOnCallingGoroutine(t *testing.T) {
	reg := action.NewRegistry()
	var sawNilThread bool
	id, err := reg.Register("poke", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		sawNilThread = t == nil
		return nil, nil
	}, action.Interrupt)
	require.NoError(t, err)
	reg.Finalize()

	heap := newTestHeap(t)
	d := &delivered{}
	w := New(Config{ID: 0, Registry: reg, Heap: heap, Deliver: d.deliver})

	st := w.Submit(&parcel.Parcel{Action: id})
	require.True(t, st.OK())
	assert.True(t, sawNilThread, "interrupt actions must see a nil *thread.Thread")
}

func TestYieldRequeuesCurrentThread(t *testing.T) {
	reg := action.NewRegistry()
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	firstID, err := reg.Register("first", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		record("first-start")
		t.Yield()
		record("first-end")
		return nil, nil
	}, action.Default)
	require.NoError(t, err)

	secondID, err := reg.Register("second", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		record("second")
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	heap := newTestHeap(t)
	d := &delivered{}
	w := New(Config{ID: 0, Registry: reg, Heap: heap, Deliver: d.deliver})
	go w.Run()
	defer w.RequestShutdown()

	require.True(t, w.Submit(&parcel.Parcel{Action: firstID}).OK())
	require.True(t, w.Submit(&parcel.Parcel{Action: secondID}).OK())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-start", "second", "first-end"}, order)
}

func TestStealMovesThreadBetweenWorkers(t *testing.T) {
	reg := action.NewRegistry()
	ran := make(chan int, 4)
	id, err := reg.Register("work", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		ran <- 1
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	heap := newTestHeap(t)
	d := &delivered{}

	busy := New(Config{ID: 0, Registry: reg, Heap: heap, Deliver: d.deliver})
	idle := New(Config{ID: 1, Registry: reg, Heap: heap, Deliver: d.deliver})
	busy.SetSiblings([]*Worker{busy, idle})
	idle.SetSiblings([]*Worker{busy, idle})

	go idle.Run()
	defer idle.RequestShutdown()

	for i := 0; i < 4; i++ {
		require.True(t, busy.Submit(&parcel.Parcel{Action: id}).OK())
	}
	busy.swapNextIntoReady()

	waitFor(t, func() bool { return len(ran) == 4 })

	_, executed := idle.Stats()
	assert.Greater(t, executed, uint64(0), "idle worker should have stolen and executed at least one thread")
}

func TestPinnedActionResendsOnPinMiss(t *testing.T) {
	reg := action.NewRegistry()
	id, err := reg.Register("touch", func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		return nil, nil
	}, action.Pinned)
	require.NoError(t, err)
	reg.Finalize()

	heap := newTestHeap(t)
	d := &delivered{}
	w := New(Config{ID: 0, Registry: reg, Heap: heap, Deliver: d.deliver})
	go w.Run()
	defer w.RequestShutdown()

	st := w.Submit(&parcel.Parcel{Action: id, Target: gas.New(9, 0, 0)})
	require.True(t, st.OK()) // Submit itself always admits; the resend happens inside the bound thread

	waitFor(t, func() bool { return len(d.list()) == 1 })
	assert.Equal(t, gas.New(9, 0, 0), d.list()[0].Target)
}
