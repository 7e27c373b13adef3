// Package scheduler owns the worker pool's lifecycle: constructing one
// worker.Worker per kernel thread, starting and stopping their Run loops
// together, and the process-local statistics/quiescence surface built on
// top of them (§4.3's "pool lifecycle, barrier, shutdown, statistics").
package scheduler

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/worker"
)

// Config supplies the per-worker collaborators every worker.Worker needs,
// plus the pool size.
type Config struct {
	// Workers is the pool size; zero takes runtime.GOMAXPROCS(0), matching
	// the "workers" config option's documented default.
	Workers int

	Registry   *action.Registry
	Heap       *gas.Heap
	Logger     *slog.Logger
	Deliver    func(p *parcel.Parcel) status.Status
	Progress   func()
	BackoffMax time.Duration
}

// Scheduler is the pool of workers backing one locality. It does not
// itself decide local-vs-remote dispatch (package network does that); it
// only owns starting, stopping, and aggregating the workers that a
// Dispatcher hands locally-resolved parcels to.
type Scheduler struct {
	workers []*worker.Worker
	g       *errgroup.Group
	next    atomic.Uint64
	log     *slog.Logger
}

// New constructs a pool of cfg.Workers workers (all sharing cfg's
// collaborators), wiring each as every other's steal sibling. Workers are
// not started; call Start.
func New(cfg Config) *Scheduler {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ws := make([]*worker.Worker, n)
	for i := range ws {
		ws[i] = worker.New(worker.Config{
			ID:         i,
			Registry:   cfg.Registry,
			Heap:       cfg.Heap,
			Logger:     logger,
			Deliver:    cfg.Deliver,
			Progress:   cfg.Progress,
			BackoffMax: cfg.BackoffMax,
		})
	}
	for _, w := range ws {
		w.SetSiblings(ws)
	}

	return &Scheduler{workers: ws, log: logger}
}

// NumWorkers returns the pool size.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// Worker returns the i'th worker, for callers (package network's receive
// path, mainly) that need to hand a re-injected parcel to a specific one
// rather than round-robin via Submit.
func (s *Scheduler) Worker(i int) *worker.Worker { return s.workers[i] }

// Start launches every worker's Run loop on its own goroutine via
// errgroup, which is the idiomatic Go shape for "start N long-running
// workers, join them all on Shutdown" — the same
// role errgroup plays in the teacher's own pool-construction tests. Worker
// owns blocking until RequestShutdown, so Start itself returns immediately.
func (s *Scheduler) Start() {
	s.g = &errgroup.Group{}
	for _, w := range s.workers {
		w := w
		s.g.Go(func() error {
			w.Run()
			return nil
		})
	}
	s.log.Info("scheduler started", "workers", len(s.workers))
}

// Shutdown requests every worker to drain and exit, then blocks until all
// of their Run goroutines have returned.
func (s *Scheduler) Shutdown() error {
	for _, w := range s.workers {
		w.RequestShutdown()
	}
	if s.g == nil {
		return nil
	}
	err := s.g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

// Submit round-robins p across the pool. Any worker can execute any
// action (work-stealing makes the initial placement a load-balancing
// decision, not a correctness one), so a simple counter is sufficient —
// package network.Dispatcher is what decides a parcel belongs on this
// locality's Scheduler at all.
func (s *Scheduler) Submit(p *parcel.Parcel) status.Status {
	i := int(s.next.Add(1)-1) % len(s.workers)
	return s.workers[i].Submit(p)
}

// Quiescent reports a racy snapshot of whether every worker's ready/next
// queues are currently empty. Used by Barrier's stability poll, never for
// a correctness decision by itself (a worker could accept new work the
// instant after reporting empty).
func (s *Scheduler) Quiescent() bool {
	for _, w := range s.workers {
		if w.Backlog() > 0 {
			return false
		}
	}
	return true
}

// Barrier blocks until the pool has reported Quiescent on stableRounds
// consecutive polls spaced poll apart, or ctx is done. This is a
// termination-detection heuristic (the spec's credit-based PID tracking on
// parcel.Parcel is the authoritative mechanism for a real deployment;
// Barrier is what the six end-to-end scenario tests and cmd/parcelrt's
// single-shot `run` use to know "no more work is in flight" without
// needing every example action to thread credit tracking through by hand).
func (s *Scheduler) Barrier(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Millisecond
	}
	const stableRounds = 3
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if s.Quiescent() {
			stable++
			if stable >= stableRounds {
				return nil
			}
		} else {
			stable = 0
		}
		time.Sleep(poll)
	}
}

// Stats aggregates (stolen, executed) counters across every worker.
func (s *Scheduler) Stats() (stolen, executed uint64) {
	for _, w := range s.workers {
		ws, we := w.Stats()
		stolen += ws
		executed += we
	}
	return stolen, executed
}
