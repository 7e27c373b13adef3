package scheduler

import (
	"context"
	"reflect"
	"sync/atomic"
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

func newTestHeap(t *testing.T, workers int) *gas.Heap {
	t.Helper()
	h, err := gas.NewHeap(gas.Config{Rank: 0, Ranks: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// TestSchedulerRunsSubmittedWork spins up a real pool, submits a batch of
// no-op actions round-robin across its workers, and confirms the pool goes
// quiescent and every submission actually ran — the same "go w.Run();
// Submit; observe; RequestShutdown" shape worker_test.go exercises per
// worker, generalized to the whole pool.
func TestSchedulerRunsSubmittedWork(t *testing.T) {
	heap := newTestHeap(t, 4)
	reg := action.NewRegistry()

	var ran atomic.Int64
	id, err := reg.Register("count", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		ran.Add(1)
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	sched := New(Config{Workers: 4, Registry: reg, Heap: heap})
	sched.Start()
	defer func() { require.NoError(t, sched.Shutdown()) }()

	const n = 200
	for i := 0; i < n; i++ {
		require.True(t, sched.Submit(&parcel.Parcel{Action: id}).OK())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Barrier(ctx, time.Millisecond))

	assert.EqualValues(t, n, ran.Load())

	_, executed := sched.Stats()
	assert.EqualValues(t, n, executed)
}

// TestSchedulerSubmitRoundRobins confirms Submit spreads placement evenly
// across every worker rather than piling everything on worker 0 — it is
// only a placement heuristic (work-stealing covers imbalance), but an
// obviously-broken round robin (e.g. always % len against a stale slice)
// would show up as every parcel landing on one worker.
func TestSchedulerSubmitRoundRobins(t *testing.T) {
	heap := newTestHeap(t, 3)
	reg := action.NewRegistry()
	id, err := reg.Register("noop", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	sched := New(Config{Workers: 3, Registry: reg, Heap: heap})
	require.Equal(t, 3, sched.NumWorkers())

	for i := 0; i < 6; i++ {
		require.True(t, sched.Submit(&parcel.Parcel{Action: id}).OK())
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, 2, sched.Worker(i).Backlog(), "worker %d should have received exactly 2 of 6 submissions", i)
	}
}

func TestSchedulerQuiescentOnEmptyPool(t *testing.T) {
	heap := newTestHeap(t, 2)
	reg := action.NewRegistry()
	reg.Finalize()

	sched := New(Config{Workers: 2, Registry: reg, Heap: heap})
	assert.True(t, sched.Quiescent())
}

func TestSchedulerShutdownWithoutStartIsNoop(t *testing.T) {
	heap := newTestHeap(t, 1)
	reg := action.NewRegistry()
	reg.Finalize()

	sched := New(Config{Workers: 1, Registry: reg, Heap: heap})
	assert.NoError(t, sched.Shutdown())
}

func TestSchedulerBarrierRespectsContextCancellation(t *testing.T) {
	heap := newTestHeap(t, 1)
	reg := action.NewRegistry()
	var block atomic.Bool
	block.Store(true)
	id, err := reg.Register("spin", func(th *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		for block.Load() {
			time.Sleep(time.Millisecond)
		}
		return nil, nil
	}, action.Default)
	require.NoError(t, err)
	reg.Finalize()

	sched := New(Config{Workers: 1, Registry: reg, Heap: heap})
	sched.Start()
	defer func() { block.Store(false); require.NoError(t, sched.Shutdown()) }()

	require.True(t, sched.Submit(&parcel.Parcel{Action: id}).OK())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sched.Barrier(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
