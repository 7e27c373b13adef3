// Package worker implements the per-kernel-thread scheduling loop: ready
// and next queues of runnable user threads, work stealing, the
// transfer-based fast/slow scheduling decision, and clean shutdown (§4.3,
// §5 "Steal policy"). One Worker is meant to run its Run loop on its own
// goroutine, pinned with runtime.LockOSThread to approximate "pin a worker
// to a hardware context" (§5) as closely as idiomatic Go allows.
package worker

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/log"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
	"github.com/hpx-go/parcelrt/workqueue"
)

// Config supplies a Worker with the shared, process-wide collaborators it
// needs but does not own.
type Config struct {
	ID       int
	Registry *action.Registry
	Heap     *gas.Heap
	Logger   *slog.Logger

	// Deliver sends a fully constructed parcel onward — locally or over
	// the network, as decided by whatever implements this (package
	// network's Dispatcher in the full runtime; a direct local-enqueue
	// stub in unit tests). Worker never inspects the target's locality
	// itself; firing a continuation is just another Deliver call.
	Deliver func(p *parcel.Parcel) status.Status

	// Progress polls the transport for inbound parcels and is called only
	// from the slow scheduling path (§4.3 step 4), never from Yield or
	// LCO wait (which always schedule fast). May be nil (e.g. the SMP-only
	// single-process configurations in tests, which have nothing to poll).
	Progress func()

	// BackoffMax bounds the idle backoff's growth (the "backoff-max"
	// config option, §6); zero takes a 1ms default.
	BackoffMax time.Duration
}

// Worker is one kernel-thread's scheduling context: ready/next queues of
// runnable user threads, a freelist, and the steal/backoff state (§3
// "Worker state").
type Worker struct {
	id       int
	registry *action.Registry
	heap     *gas.Heap
	log      *slog.Logger
	deliver  func(p *parcel.Parcel) status.Status
	progress func()
	backoffMax time.Duration

	// anchor is a bare *thread.Thread, never Bound, that stands in for
	// "the worker's own native stack" in every Transfer call the spec
	// describes as happening from/to the outer scheduling loop (§4.3
	// steps 1 and 6, and the shutdown transfer). Using the same Transfer
	// protocol for the outer loop as for ordinary user threads means
	// Yield/Suspend/Run share one mechanism instead of two.
	anchor *thread.Thread

	ready *workqueue.Deque[*thread.Thread]

	nextMu sync.Mutex
	next   []*thread.Thread

	freeMu   sync.Mutex
	free     *thread.Thread
	threadID atomic.Uint64

	siblings []*Worker // set once by Pool before Run is called; includes w itself
	rng      *rand.Rand

	shutdown atomic.Bool

	// stats, read by package scheduler for the "statistics" surface (§4.3).
	stolen   atomic.Uint64
	executed atomic.Uint64
}

// New constructs a Worker. Call SetSiblings once every worker in the pool
// exists, before Run.
func New(cfg Config) *Worker {
	backoff := cfg.BackoffMax
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:         cfg.ID,
		registry:   cfg.Registry,
		heap:       cfg.Heap,
		log:        logger,
		deliver:    cfg.Deliver,
		progress:   cfg.Progress,
		backoffMax: backoff,
		anchor:     thread.New(0),
		ready:      workqueue.New[*thread.Thread](256),
		rng:        rand.New(rand.NewPCG(uint64(cfg.ID)+1, 0xda5e)),
	}
	return w
}

// ID returns this worker's index within its pool.
func (w *Worker) ID() int { return w.id }

// SetSiblings installs the full worker list (including w) used as steal
// victims. Must be called before Run, and not mutated afterward.
func (w *Worker) SetSiblings(all []*Worker) { w.siblings = all }

// Backlog returns a racy snapshot of how many threads are currently queued
// (ready + next) on this worker, for package scheduler's quiescence poll.
// Like Deque.Len, it is never used for a correctness decision — only as a
// termination-detection heuristic alongside credit-based parcel tracking.
func (w *Worker) Backlog() int {
	w.nextMu.Lock()
	n := len(w.next)
	w.nextMu.Unlock()
	return w.ready.Len() + n
}

// Stats returns (stolen threads run, threads executed) counters, monotonic
// for the lifetime of the worker.
func (w *Worker) Stats() (stolen, executed uint64) {
	return w.stolen.Load(), w.executed.Load()
}

// RequestShutdown sets the cooperative shutdown flag (§4.3 "Shutdown").
// Polled at every scheduling decision, not just the top of Run, so an
// in-flight Yield/Suspend deep in a handler call chain also unwinds.
func (w *Worker) RequestShutdown() { w.shutdown.Store(true) }

func (w *Worker) shutdownRequested() bool { return w.shutdown.Load() }

// Submit admits a parcel for local execution. Interrupt actions run
// synchronously on the calling goroutine with no thread/queue involvement
// at all (§4.1 "execute directly on the worker stack; no context switch");
// every other attribute combination is bound to a user thread and placed
// on this worker's next queue, to run in a later epoch (§4.3 S2/S3).
func (w *Worker) Submit(p *parcel.Parcel) status.Status {
	entry, st := w.registry.Lookup(p.Action)
	if !st.OK() {
		return st
	}

	if entry.Attrs.Has(action.Interrupt) {
		out, ist := entry.Invoke(nil, w.heap, p)
		if ist == status.Resend {
			return status.Resend
		}
		w.fireContinuation(p, out, ist)
		return status.OK
	}

	th := w.bind(entry, p)
	w.pushNext(th)
	return status.OK
}

// bind allocates (or reuses) a Thread and attaches the body that will run
// when it is eventually transferred into: invoke the handler, fire the
// continuation, then recycle.
func (w *Worker) bind(entry *action.Entry, p *parcel.Parcel) *thread.Thread {
	th := w.allocThread()
	th.Sched = w

	th.Bind(p, func(self *thread.Thread) {
		out, st := entry.Invoke(self, w.heap, p)

		// self.Sched may no longer be w: a sibling could have stolen self
		// off this worker's ready deque before it ran. Every decision from
		// here on — where the continuation/resend is fired from, which
		// worker's next queue and freelist self returns to — must go
		// through whichever worker actually executed it, not the one that
		// originally bound it.
		owner := self.Sched.(*Worker)

		switch st {
		case status.Resend:
			// The pin failed after all; re-submit through Deliver so the
			// dispatcher can route it to wherever the target now lives.
			owner.deliver(p)
		default:
			if !st.OK() {
				owner.log.Warn("worker: action returned non-OK status",
					"action", p.Action, "target", log.Addr(uint64(p.Target)), "status", log.Status(st, int(st)))
			}
			owner.fireContinuation(p, out, st)
		}
		owner.executed.Add(1)

		next := owner.pickNext(true)
		thread.Exit(next, owner.continuationRecycle, self)
	})
	return th
}

func (w *Worker) continuationRecycle(old *thread.Thread, env any) {
	self := env.(*thread.Thread)
	w.freeThread(self)
}

// fireContinuation constructs and delivers the (ContTarget, ContAction)
// parcel carrying a handler's return value, per §4.1. A parcel with no
// continuation registered fires nothing. Otherwise the continuation fires
// whatever st is: st itself is not passed on, so after a failed handler
// the continuation receives retval (nil when Invoke reports Fatal) as an
// ordinary value, and an LCO it targets is not put into an error state.
func (w *Worker) fireContinuation(p *parcel.Parcel, retval []byte, st status.Status) {
	if !p.HasContinuation() {
		return
	}
	cont := &parcel.Parcel{
		Target:     p.ContTarget,
		Action:     p.ContAction,
		ContTarget: gas.Null,
		PID:        p.PID,
		Credit:     p.Credit,
		Payload:    retval,
	}
	w.deliver(cont)
}

// Yield is thread.Scheduler's voluntary-suspension point: place cur on
// next, then schedule fast (§4.3 "Yield").
func (w *Worker) Yield(cur *thread.Thread) {
	next := w.pickNext(true)
	thread.Transfer(cur, next, w.continuationRequeue, nil)
}

func (w *Worker) continuationRequeue(old *thread.Thread, env any) {
	w.pushNext(old)
}

// Suspend is thread.Scheduler's LCO-wait suspension point: schedule fast,
// running cont(cur, env) on the new thread's goroutine first so it can
// record cur on an LCO's wait list and release the LCO lock before
// anything else runs (§4.3 "Wait on LCO").
func (w *Worker) Suspend(cur *thread.Thread, cont thread.Continuation, env any) {
	next := w.pickNext(true)
	thread.Transfer(cur, next, cont, env)
}

// Wake places t on the calling goroutine's own worker's next queue (§4.3
// "Signal": "move waiters ... to next of the signaling worker").
func (w *Worker) Wake(t *thread.Thread) {
	w.pushNext(t)
}

// pickNext implements the scheduling-decision order of §4.3: shutdown
// check, pop ready, swap next into ready, and — only when fast is false —
// poll the transport and attempt a steal. Returns w.anchor when nothing
// else is runnable (idle) or when shutdown has been requested, so every
// caller (Run's own loop or a nested Yield/Suspend) unwinds uniformly.
func (w *Worker) pickNext(fast bool) *thread.Thread {
	if w.shutdownRequested() {
		return w.anchor
	}
	if th, ok := w.ready.PopBottom(); ok {
		return th
	}
	w.swapNextIntoReady()
	if th, ok := w.ready.PopBottom(); ok {
		return th
	}
	if !fast {
		if w.progress != nil {
			w.progress()
		}
		if th, ok := w.ready.PopBottom(); ok {
			return th
		}
		if th, ok := w.steal(); ok {
			w.stolen.Add(1)
			return th
		}
	}
	return w.anchor
}

func (w *Worker) swapNextIntoReady() {
	w.nextMu.Lock()
	batch := w.next
	w.next = nil
	w.nextMu.Unlock()

	// Pushed newest first, so PopBottom hands the batch out in the order
	// it was queued.
	for i := len(batch) - 1; i >= 0; i-- {
		w.ready.PushBottom(batch[i])
	}
}

func (w *Worker) pushNext(th *thread.Thread) {
	w.nextMu.Lock()
	w.next = append(w.next, th)
	w.nextMu.Unlock()
}

// steal reads one thread from a randomly ordered scan of sibling workers'
// ready deques (§5 "Steal policy"). PopTop is lock-free/wait-free against
// each victim's own PopBottom.
func (w *Worker) steal() (*thread.Thread, bool) {
	n := len(w.siblings)
	if n <= 1 {
		return nil, false
	}
	start := w.rng.IntN(n)
	for i := 0; i < n; i++ {
		victim := w.siblings[(start+i)%n]
		if victim == w {
			continue
		}
		if th, ok := victim.ready.PopTop(); ok {
			th.Sched = w
			return th, true
		}
	}
	return nil, false
}

func (w *Worker) allocThread() *thread.Thread {
	w.freeMu.Lock()
	th := w.free
	if th != nil {
		w.free = th.Next
	}
	w.freeMu.Unlock()

	if th == nil {
		th = thread.New(w.threadID.Add(1))
	}
	th.Reset()
	return th
}

func (w *Worker) freeThread(th *thread.Thread) {
	th.Reset()
	w.freeMu.Lock()
	th.Next = w.free
	w.free = th
	w.freeMu.Unlock()
}

// Run is the worker's outer scheduling loop (§4.3). It locks the calling
// goroutine to its OS thread as a best-effort approximation of "pin a
// worker to a hardware context" and runs until shutdown is requested and
// drained.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	backoff := time.Microsecond
	for {
		if w.shutdownRequested() {
			w.drain()
			return
		}

		next := w.pickNext(false)
		if next == w.anchor {
			time.Sleep(backoff)
			if backoff *= 2; backoff > w.backoffMax {
				backoff = w.backoffMax
			}
			continue
		}
		backoff = time.Microsecond

		thread.Transfer(w.anchor, next, nil, nil)
	}
}

// drain frees every thread left on ready/next without running it, per
// §4.3 "user threads in the queues are drained and freed". In-flight
// threads parked on an LCO wait queue are not reachable from here; they
// are the owning LCO's responsibility to release or leak at process exit,
// matching "no user-facing cancellation" (§5).
func (w *Worker) drain() {
	w.log.Debug("worker shutting down, draining queues", "worker", w.id)
	for {
		th, ok := w.ready.PopBottom()
		if !ok {
			break
		}
		w.freeThread(th)
	}
	w.nextMu.Lock()
	batch := w.next
	w.next = nil
	w.nextMu.Unlock()
	for _, th := range batch {
		w.freeThread(th)
	}
}
