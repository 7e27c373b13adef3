package lco

import (
	"golang.org/x/sync/semaphore"

	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// Semaphore is a counting P/V semaphore LCO (§4.4, §9's Semaphore
// variant). The count itself is tracked by golang.org/x/sync/semaphore's
// Weighted, whose non-blocking TryAcquire/Release is exactly the counting
// primitive this LCO's lock-then-poll discipline needs; Weighted's own
// blocking Acquire is never used here, since that would stall the whole
// worker goroutine rather than just parking the logical user thread the
// way Base.wait does.
//
// Weighted exposes no way to read its own count, so avail mirrors it
// under Base's own lock purely so Base.readiness (and therefore any
// Table-routed or remote Wait/Get, per §4.4's generic "pin, then call the
// LCO's virtual method under its lock" realization) can see triggeredBit
// flip with "a unit is currently available" — without it, a woken waiter
// arriving through Table.Wait/Table.Get would re-check a predicate that
// never reflects V's effect and park forever.
type Semaphore struct {
	Base
	sem   *semaphore.Weighted
	avail int64
}

// NewSemaphore constructs a Semaphore initialized with n available units.
func NewSemaphore(n int64) *Semaphore {
	s := &Semaphore{sem: semaphore.NewWeighted(n), avail: n}
	if n > 0 {
		s.setTriggered()
	}
	return s
}

func (s *Semaphore) OnFini() {}

// P acquires one unit, parking t if none is currently available.
func (s *Semaphore) P(t *thread.Thread) status.Status {
	return s.wait(t, s.tryAcquireLocked)
}

// tryAcquireLocked is Base.wait's ready predicate: called with Base's lock
// already held, so mutating avail/triggeredBit alongside sem.TryAcquire
// needs no separate locking of its own.
func (s *Semaphore) tryAcquireLocked() (bool, status.Status) {
	if !s.sem.TryAcquire(1) {
		return false, status.OK
	}
	s.avail--
	if s.avail == 0 {
		s.clearTriggered()
	}
	return true, status.OK
}

// V releases one unit and wakes every thread parked on the semaphore,
// each through its own Sched; a woken P that loses the race on TryAcquire
// simply re-parks. (Table.Set, which reaches V through OnSet, then finds
// the wait list already empty.) V sets triggeredBit so a unit becoming
// available is visible through Base.readiness too, matching
// Future/AndGate's own "signal via triggeredBit" convention.
func (s *Semaphore) V() {
	s.lock()
	s.sem.Release(1)
	s.avail++
	s.setTriggered()
	w := s.drainLocked()
	s.unlock()
	for w != nil {
		next := w.Next
		w.Next = nil
		w.InWait = false
		w.Sched.Wake(w)
		w = next
	}
}

func (s *Semaphore) OnSet(val []byte) status.Status {
	s.V()
	return status.OK
}

func (s *Semaphore) OnGet() ([]byte, status.Status)    { return nil, status.OK }
func (s *Semaphore) OnGetRef() ([]byte, status.Status) { return nil, status.OK }
func (s *Semaphore) OnRelease()                        {}

// OnWait is a non-blocking poll: true if a unit is available right now
// (and, if so, consumes it — matching P's own TryAcquire semantics rather
// than leaving the caller to guess whether a second call would succeed).
func (s *Semaphore) OnWait() status.Status {
	s.lock()
	defer s.unlock()
	if ok, st := s.tryAcquireLocked(); ok {
		return st
	}
	return status.ChannelEmpty
}

func (s *Semaphore) OnReset() {}

func (s *Semaphore) OnError(code status.Status) {
	s.lock()
	defer s.unlock()
	s.setErrored()
	s.setTriggered()
}

func (s *Semaphore) OnAttach(extra int) status.Status { return status.Fatal }
func (s *Semaphore) OnSize() int                       { return -1 }
func (s *Semaphore) waitBase() *Base                   { return &s.Base }
