// Package thread implements the runtime's user thread: a resumable
// execution context bound to one parcel at a time (§3, §4.3). Idiomatic Go
// has no user-level stack-swap primitive, so the spec's machine-specific
// `transfer(to, continuation, env)` is realized as a parked-goroutine
// handoff rather than a fiber/ucontext port — see SPEC_FULL.md §9
// "Coroutine/stack-switch" for why that is the faithful translation rather
// than a shortcut.
package thread

import "github.com/hpx-go/parcelrt/parcel"

// Continuation is run on the receiving thread's own goroutine, after
// control has been handed to it but before its body (re)proceeds. Of the
// three built-in continuations from §4.3, checkpoint-push and exit-push
// are package worker's continuationRequeue and continuationRecycle (worker
// owns the next queue and freelist they touch); checkpoint-enqueue is the
// closure package lco's Base.wait passes to Suspend, which puts the old
// thread on the LCO's wait list and releases the LCO lock.
type Continuation func(old *Thread, env any)

// Scheduler is the narrow interface a Thread needs in order to suspend
// itself at one of §5's suspension points without this package importing
// package worker (which itself imports this package to manage Threads —
// importing it back here would cycle). *worker.Worker implements this.
type Scheduler interface {
	// Yield places cur back among the runnable threads and transfers to
	// another one, returning only once cur is next selected to run. This
	// is the §4.3 "Yield" operation: checkpoint-push, then schedule-fast.
	Yield(cur *Thread)

	// Suspend transfers to another runnable thread without requeuing cur
	// anywhere; cont (run on the new thread's goroutine, per Transfer) is
	// responsible for recording cur wherever it needs to wait — an LCO's
	// wait list, most commonly. This is §4.3's "Wait on LCO": the caller
	// enqueues cur under a lock and Suspend's cont releases that lock only
	// once the handoff is committed. Returns once some later Wake(cur)
	// reactivates it.
	Suspend(cur *Thread, cont Continuation, env any)

	// Wake places t onto the calling goroutine's own worker's next queue,
	// per §4.3 Signal's "move waiters ... to next of the signaling
	// worker". Call this for each thread released by an LCO's set/error.
	Wake(t *Thread)
}

// activation is what one Transfer/Exit call hands to the receiving
// thread's goroutine: who handed control over, what to run first, and an
// arbitrary payload for that continuation.
type activation struct {
	old  *Thread
	cont Continuation
	env  any
}

// Thread is a resumable execution context bound to a Parcel. Exactly one
// goroutine is "inside" a Thread at any moment — either running its
// handler body or parked in a Transfer call waiting to be reactivated.
// Thread is not safe for concurrent Bind/Transfer/Exit from multiple
// callers; ownership is single-threaded by construction (§3 "owned by at
// most one of: ready queue, ... currently executing slot ... or freelist").
type Thread struct {
	ID     uint64
	Parcel *parcel.Parcel

	// LCODepth is a per-thread count of held LCO locks. Reset zeroes it;
	// nothing else in the module updates or checks it, so §4.4's "a user
	// thread may hold at most one LCO lock" is not enforced.
	LCODepth int
	// InWait marks that this thread is parked on an LCO's wait queue
	// rather than a ready/next queue (§3).
	InWait bool

	// Next links this Thread into whichever single list currently owns
	// it: an LCO wait queue or a worker's freelist. A worker's ready and
	// next queues hold Threads without using this link.
	Next *Thread

	// Sched is the worker currently driving this Thread, set at Bind time
	// and updated by a stealer when it migrates the Thread to its own
	// ready deque. A Handler calls Yield/Suspend through this, never by
	// reaching for a worker directly (action.Handler has no such import).
	Sched Scheduler

	activate chan activation
}

// Yield is the §4.3 suspension point for a handler that wants to give up
// the worker voluntarily without waiting on anything. Shorthand for
// t.Sched.Yield(t).
func (t *Thread) Yield() { t.Sched.Yield(t) }

// Suspend is the §4.3 suspension point for blocking on an LCO. Shorthand
// for t.Sched.Suspend(t, cont, env).
func (t *Thread) Suspend(cont Continuation, env any) { t.Sched.Suspend(t, cont, env) }

// New allocates a Thread with id as its debug-visible identifier. The
// backing channel is created once and reused across every Bind call this
// Thread object goes through via a freelist (see package worker), even
// though each Bind spawns a fresh goroutine.
func New(id uint64) *Thread {
	return &Thread{ID: id, activate: make(chan activation)}
}

// Reset clears the per-execution fields of a Thread pulled off a freelist,
// leaving ID and the activate channel (which are safe, and cheaper, to
// reuse) untouched.
func (t *Thread) Reset() {
	t.Parcel = nil
	t.LCODepth = 0
	t.InWait = false
	t.Next = nil
	t.Sched = nil
}

// Bind attaches p to t and spawns the goroutine that will run body once
// some caller performs the first Transfer/Exit into t. body is expected to
// eventually call Exit(t, ...) exactly once (directly or by returning
// control through further Transfer calls) to hand the outer scheduling
// loop back control; it must not simply return.
func (t *Thread) Bind(p *parcel.Parcel, body func(self *Thread)) {
	t.Parcel = p
	go func() {
		act := <-t.activate
		if act.cont != nil {
			act.cont(act.old, act.env)
		}
		body(t)
	}()
}

// Transfer switches control from self to to, running cont on to's
// goroutine before to's body (re)proceeds, and then blocks self until some
// later Transfer or Exit call names self as its target. Use this for
// suspension points from which self expects to run again: yield, wait on
// an LCO, or the outer scheduling loop picking its next thread.
//
// self may be nil only when called from the worker's own goroutine (which
// has no backing Thread of its own) to perform the very first handoff into
// a freshly scheduled thread; in that case Transfer does not block
// afterward, matching Exit's semantics — see Worker.run.
func Transfer(self, to *Thread, cont Continuation, env any) {
	to.activate <- activation{old: self, cont: cont, env: env}
	if self == nil {
		return
	}
	act := <-self.activate
	if act.cont != nil {
		act.cont(act.old, act.env)
	}
}

// Exit hands control to to and does not block afterward. Call this as the
// last thing a thread's body does when its handler has genuinely
// completed (no more work to resume) — the calling goroutine falls off the
// end of body and terminates once Exit returns, and self's Thread struct
// (not its goroutine) can be recycled onto a freelist for the next Bind.
func Exit(to *Thread, cont Continuation, env any) {
	to.activate <- activation{cont: cont, env: env}
}
