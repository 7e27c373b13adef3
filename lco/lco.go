// Package lco implements the runtime's local control objects: the
// synchronization primitives (future, AND-gate, semaphore, all-gather,
// all-to-all) that user threads block on, and their transparent local/
// remote wait and signal protocol (§4.4).
package lco

import (
	"sync/atomic"

	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// state bits packed into Base.state, mirroring the original design's
// "steal the low bits of an aligned pointer" trick — except Go forbids tag
// bits on live pointers, so the lock and flag bits live in their own
// atomic.Uint32 instead (§4.4, §9 "Dynamic dispatch").
const (
	lockedBit    uint32 = 1 << 0
	triggeredBit uint32 = 1 << 1
	deletedBit   uint32 = 1 << 2
	erroredBit   uint32 = 1 << 3
)

// ErrErrored carries the code an LCO was signalled with via Error, as a Go
// error. Table.Get and Table.Wait do not return it: they report an errored
// LCO as status.LCOError.
type ErrErrored struct{ Code status.Status }

func (e *ErrErrored) Error() string { return "lco: errored: " + e.Code.String() }

// LCO is the vtable every concrete synchronization primitive implements
// (§4.4, §9 "Dynamic dispatch": OnFini/OnSet/OnGet/OnGetRef/OnRelease/
// OnWait/OnReset/OnError/OnAttach/OnSize). Go interface satisfaction
// replaces the tagged-union-in-pointer-bits trick of the original design
// directly.
type LCO interface {
	// OnFini releases any resources the variant holds beyond Base itself.
	OnFini()
	// OnSet applies one contribution val. It returns status.OK for an
	// accepted contribution whether or not that contribution satisfies the
	// LCO, and status.Fatal for a payload the variant cannot accept.
	OnSet(val []byte) status.Status
	// OnGet returns the satisfied value without blocking. Future returns a
	// copy and keeps its value; AllGather and AllToAll count each call as
	// one participant's read and reset once all arity participants have
	// read the round.
	OnGet() ([]byte, status.Status)
	// OnGetRef is OnGet without copying, for callers that promise not to
	// mutate the returned slice and will call OnRelease when done.
	OnGetRef() ([]byte, status.Status)
	// OnRelease balances a prior OnGetRef.
	OnRelease()
	// OnWait polls without blocking: status.ChannelEmpty while the variant
	// is not yet satisfied, otherwise the status it was satisfied with, and
	// no value. Blocking waits go through Base.wait (see Table.Wait).
	OnWait() status.Status
	// OnReset returns the LCO to its pre-triggered state for reuse.
	OnReset()
	// OnError marks the LCO errored with code, waking every waiter with
	// status.LCOError.
	OnError(code status.Status)
	// OnAttach increases the number of contributions a gather/gate variant
	// still expects before it is satisfied (e.g. a late-joining
	// participant in an all-gather); variants with fixed arity (Future)
	// reject this with status.Fatal.
	OnAttach(extra int) status.Status
	// OnSize reports a variant-specific size: Future gives its value's
	// length in bytes (-1 before it is set), AllGather and AllToAll the
	// number of contributions landed so far, AndGate 0 and Semaphore -1.
	OnSize() int

	// popWaiters atomically drains the wait list, for Table to wake after
	// a Set/Error call that just transitioned the LCO to triggered/errored
	// — unexported because only this package's Table ever needs it; every
	// concrete variant gets it for free by embedding Base.
	popWaiters() *thread.Thread

	// waitBase exposes the embedded Base so Table.Wait/Table.Get can
	// drive the generic "check readiness, else park" loop without knowing
	// the concrete variant type. Each variant defines it as a one-line
	// method returning its own Base.
	waitBase() *Base
}

// Base implements the locking discipline (a CAS spinlock packed into the
// low bit of state) and the wait-queue plumbing shared by every concrete
// LCO variant (§4.4). Concrete variants embed Base and add the
// value-specific fields and vtable methods.
type Base struct {
	state atomic.Uint32

	waiters     *thread.Thread // guarded by the spinlock above
	waitersTail *thread.Thread
}

func (b *Base) lock() {
	for {
		s := b.state.Load()
		if s&lockedBit == 0 && b.state.CompareAndSwap(s, s|lockedBit) {
			return
		}
	}
}

func (b *Base) unlock() {
	for {
		s := b.state.Load()
		if b.state.CompareAndSwap(s, s&^lockedBit) {
			return
		}
	}
}

func (b *Base) triggered() bool { return b.state.Load()&triggeredBit != 0 }
func (b *Base) setTriggered()   { b.state.Store(b.state.Load() | triggeredBit) }
func (b *Base) clearTriggered() { b.state.Store(b.state.Load() &^ triggeredBit) }
func (b *Base) errored() bool   { return b.state.Load()&erroredBit != 0 }
func (b *Base) setErrored()     { b.state.Store(b.state.Load() | erroredBit) }
func (b *Base) clearErrored()   { b.state.Store(b.state.Load() &^ erroredBit) }

// enqueueLocked appends t to the wait list. Caller must hold the lock.
func (b *Base) enqueueLocked(t *thread.Thread) {
	t.Next = nil
	if b.waitersTail != nil {
		b.waitersTail.Next = t
	} else {
		b.waiters = t
	}
	b.waitersTail = t
}

// drainLocked removes and returns every waiting thread. Caller must hold
// the lock.
func (b *Base) drainLocked() *thread.Thread {
	w := b.waiters
	b.waiters, b.waitersTail = nil, nil
	return w
}

// popWaiters is drainLocked with its own lock acquisition, for callers
// (Table, after Set/Error) that are not already inside a lock/unlock pair.
func (b *Base) popWaiters() *thread.Thread {
	b.lock()
	w := b.drainLocked()
	b.unlock()
	return w
}

// wakeAll wakes every thread in the list (obtained via drainLocked) through
// sched — the scheduler of whichever thread is doing the signaling, per
// §4.3 Signal's "move waiters to next of the signaling worker". Must be
// called without the lock held.
func wakeAll(sched thread.Scheduler, head *thread.Thread) {
	for head != nil {
		next := head.Next
		head.Next = nil
		head.InWait = false
		sched.Wake(head)
		head = next
	}
}

// wait is the generic "check predicate, else park" loop every OnWait/OnGet
// built on blocking uses (§4.3 "Wait on LCO"). ready reports whether the
// condition is already satisfied and, if so, the status to return;
// otherwise wait enqueues t and suspends until some Signal call wakes it,
// then re-checks.
func (b *Base) wait(t *thread.Thread, ready func() (bool, status.Status)) status.Status {
	for {
		b.lock()
		if done, st := ready(); done {
			b.unlock()
			return st
		}
		t.InWait = true
		// Suspend's cont runs on the newly scheduled thread's own
		// goroutine, before that thread's body proceeds — so enqueuing t
		// here and releasing the lock happens strictly after the handoff
		// is committed, and strictly before any other goroutine can
		// observe t on the wait list. See thread.Scheduler.Suspend.
		t.Suspend(func(old *thread.Thread, env any) {
			b.enqueueLocked(old)
			b.unlock()
		}, nil)
	}
}
