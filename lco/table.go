package lco

import (
	"sync"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// Table is one locality's LCO directory: the map from a global address
// minted by gas.Heap.ReserveAddr to the Go-typed object backing it, plus
// the local/remote realization choice every operation makes by comparing
// the address's owning locality against the heap's own rank (§4.4).
//
// A Table has no locks of its own beyond mu guarding the map; each LCO's
// own Base carries its own spinlock, so two operations against different
// addresses never contend on Table's lock for longer than a map lookup.
type Table struct {
	heap *gas.Heap

	// deliver forwards a parcel addressed at a remote locality into
	// whatever this deployment uses for dispatch (package network's
	// Dispatcher in a real build, a test double in unit tests) — the same
	// role worker.Config.Deliver plays for ordinary action parcels.
	deliver func(p *parcel.Parcel) status.Status

	mu   sync.RWMutex
	objs map[gas.Addr]LCO
}

// NewTable constructs a Table bound to heap's address space, forwarding
// operations on addresses owned by another locality through deliver.
func NewTable(heap *gas.Heap, deliver func(p *parcel.Parcel) status.Status) *Table {
	return &Table{
		heap:    heap,
		deliver: deliver,
		objs:    make(map[gas.Addr]LCO),
	}
}

// New mints a fresh global address from the same per-locality id space as
// byte blocks (gas.Heap.ReserveAddr) and registers l under it, without
// backing the address with any heap bytes — l's own fields are its state.
func (tb *Table) New(l LCO) gas.Addr {
	addr := tb.heap.ReserveAddr()
	tb.mu.Lock()
	tb.objs[addr] = l
	tb.mu.Unlock()
	return addr
}

// Delete removes addr from the table, calling l.OnFini first. Deleting an
// unknown or already-deleted address is a no-op.
func (tb *Table) Delete(addr gas.Addr) {
	tb.mu.Lock()
	l, ok := tb.objs[addr]
	if ok {
		delete(tb.objs, addr)
	}
	tb.mu.Unlock()
	if ok {
		l.OnFini()
	}
}

func (tb *Table) lookup(addr gas.Addr) (LCO, bool) {
	tb.mu.RLock()
	l, ok := tb.objs[addr]
	tb.mu.RUnlock()
	return l, ok
}

// local reports whether addr names an LCO this Table itself hosts — the
// same "Pin" realization check §4.4 describes, specialized to the
// not-backed-by-bytes LCO address space instead of gas.Heap.Pin's byte
// slices.
func (tb *Table) local(addr gas.Addr) bool {
	return addr.Locality() == tb.heap.Rank()
}

// forward builds a bare parcel targeting addr with the given remote action
// and payload and hands it to deliver, for the three well-known
// lco.RemoteGetAction/RemoteSetAction/RemoteWaitAction actions registered
// by RegisterRemoteActions. It returns status.NotFound if this Table was
// built without a deliver func (a single-locality deployment should never
// see a non-local address in the first place).
func (tb *Table) forward(addr gas.Addr, act action.ID, contTarget gas.Addr, contAct action.ID, payload []byte) status.Status {
	if tb.deliver == nil {
		return status.NotFound
	}
	p := &parcel.Parcel{
		Target:     addr,
		Action:     act,
		ContTarget: contTarget,
		ContAction: contAct,
		Payload:    payload,
	}
	return tb.deliver(p)
}

// Set applies val to the LCO at addr and wakes every thread currently
// parked on it, local or remote. sched is the scheduler of whichever
// thread is performing the Set — almost always t.Sched from the handler
// or user thread calling in — used to redeliver woken waiters to their
// own worker's next queue (§4.3 Signal).
//
// A remote Set is fire-and-forget: it is delivered to the owning
// locality's remoteSetHandler and this call returns as soon as deliver has
// accepted it for transport, without waiting for the remote side to apply
// it.
func (tb *Table) Set(sched thread.Scheduler, addr gas.Addr, val []byte) status.Status {
	l, ok := tb.lookup(addr)
	if !ok {
		if tb.local(addr) {
			return status.NotFound
		}
		return tb.forward(addr, RemoteSetAction, gas.Null, action.NoAction, val)
	}
	st := l.OnSet(val)
	wakeAll(sched, l.popWaiters())
	return st
}

// Error signals addr's LCO as failed with code, per §4.4's OnError. Unlike
// Set, this has no remote counterpart (the spec names only
// RemoteGetAction/RemoteSetAction/RemoteWaitAction); a caller that needs
// to fail a remote LCO does so by Setting it with an application-defined
// sentinel payload instead.
func (tb *Table) Error(sched thread.Scheduler, addr gas.Addr, code status.Status) status.Status {
	l, ok := tb.lookup(addr)
	if !ok {
		return status.NotFound
	}
	l.OnError(code)
	wakeAll(sched, l.popWaiters())
	return status.OK
}

// waitLocal drives the generic "check Base's triggered/errored bits, else
// park t" loop for any LCO variant, using Base.readiness rather than the
// vtable's own OnWait (whose non-blocking-poll semantics differ slightly
// per variant — see e.g. Semaphore.OnWait's TryAcquire-and-consume vs.
// Future.OnWait's pure poll).
func (tb *Table) waitLocal(t *thread.Thread, l LCO) status.Status {
	base := l.waitBase()
	return base.wait(t, base.readiness)
}

// Wait blocks t until addr's LCO is satisfied, forwarding to the owning
// locality via RemoteWaitAction if addr is not local.
func (tb *Table) Wait(t *thread.Thread, addr gas.Addr) status.Status {
	l, ok := tb.lookup(addr)
	if ok {
		return tb.waitLocal(t, l)
	}
	if tb.local(addr) {
		return status.NotFound
	}
	return tb.remoteRendezvous(t, addr, RemoteWaitAction)
}

// Get blocks t until addr's LCO is satisfied, then returns its value —
// local or remote.
func (tb *Table) Get(t *thread.Thread, addr gas.Addr) ([]byte, status.Status) {
	l, ok := tb.lookup(addr)
	if ok {
		if st := tb.waitLocal(t, l); !st.OK() {
			return nil, st
		}
		return l.OnGet()
	}
	if tb.local(addr) {
		return nil, status.NotFound
	}
	return tb.remoteRendezvousValue(t, addr, RemoteGetAction)
}

// remoteRendezvous performs the §4.4 "remote get rendezvous" for actions
// whose reply carries no payload t cares about (RemoteWaitAction): park a
// scratch Future locally, ask the owning locality to signal it once addr
// is satisfied there, then block on the scratch Future exactly as any
// other LCO wait.
func (tb *Table) remoteRendezvous(t *thread.Thread, addr gas.Addr, act action.ID) status.Status {
	_, st := tb.remoteRendezvousValue(t, addr, act)
	return st
}

func (tb *Table) remoteRendezvousValue(t *thread.Thread, addr gas.Addr, act action.ID) ([]byte, status.Status) {
	scratch := NewFuture()
	scratchAddr := tb.New(scratch)
	defer tb.Delete(scratchAddr)

	if st := tb.forward(addr, act, scratchAddr, action.LCOSet, nil); !st.OK() {
		return nil, st
	}
	return scratch.Get(t)
}

// readiness reports, from Base's own state alone, whether the LCO is
// triggered and if so whether it landed via Set (status.OK) or Error
// (status.LCOError). Every concrete variant sets triggeredBit exactly when
// it becomes satisfied (see each OnSet/OnError), so this is a correct
// generic readiness check without needing the variant's own onReady.
func (b *Base) readiness() (bool, status.Status) {
	if !b.triggered() {
		return false, status.OK
	}
	if b.errored() {
		return true, status.LCOError
	}
	return true, status.OK
}
