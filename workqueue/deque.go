// Package workqueue implements the Chase–Lev work-stealing deque that backs
// each worker's ready queue (§5 "Steal policy"), grounded on the same
// algorithm as the original source's libsync/chase_lev_ws_deque.c: the
// owner pushes and pops from the bottom with plain loads/stores, while
// stealers take from the top with a CAS, so a steal never blocks the
// owner's own pop and concurrent stealers only contend with each other.
package workqueue

import (
	"sync/atomic"
)

// Deque is a lock-free, growable work-stealing deque of type T. The owning
// goroutine calls PushBottom/PopBottom; any other goroutine may call
// PopTop to steal. A zero Deque is not usable; construct with New.
type Deque[T any] struct {
	top, bottom atomic.Int64
	buf         atomic.Pointer[ring[T]]
}

type ring[T any] struct {
	mask int64
	data []T
}

func newRing[T any](size int64) *ring[T] {
	return &ring[T]{mask: size - 1, data: make([]T, size)}
}

func (r *ring[T]) get(i int64) T        { return r.data[i&r.mask] }
func (r *ring[T]) put(i int64, v T)     { r.data[i&r.mask] = v }
func (r *ring[T]) size() int64          { return r.mask + 1 }

func (r *ring[T]) grow(bottom, top int64) *ring[T] {
	bigger := newRing[T](r.size() * 2)
	for i := top; i < bottom; i++ {
		bigger.put(i, r.get(i))
	}
	return bigger
}

// New constructs an empty Deque with an initial backing capacity of
// initialSize, rounded up to the next power of two (minimum 32).
func New[T any](initialSize int) *Deque[T] {
	size := int64(32)
	for size < int64(initialSize) {
		size *= 2
	}
	d := &Deque[T]{}
	d.buf.Store(newRing[T](size))
	return d
}

// Len returns a snapshot of the number of runnable items; racy against
// concurrent Push/Pop/Steal by design (used only for steal-victim
// heuristics and stats, never for correctness).
func (d *Deque[T]) Len() int {
	b := d.bottom.Load()
	t := d.top.Load()
	if b <= t {
		return 0
	}
	return int(b - t)
}

// PushBottom adds v to the bottom of the deque. Only the owning goroutine
// may call this.
func (d *Deque[T]) PushBottom(v T) {
	b := d.bottom.Load()
	t := d.top.Load()
	r := d.buf.Load()
	if b-t >= r.size() {
		r = r.grow(b, t)
		d.buf.Store(r)
	}
	r.put(b, v)
	d.bottom.Store(b + 1)
}

// PopBottom removes and returns the item most recently pushed, i.e. LIFO
// from the owner's perspective (a worker pops its own `ready` queue this
// way; worker.swapNextIntoReady pushes each batch in reverse so the pops
// come out in the order the threads were queued). Only the owning
// goroutine may call this.
func (d *Deque[T]) PopBottom() (v T, ok bool) {
	b := d.bottom.Load() - 1
	r := d.buf.Load()
	d.bottom.Store(b)
	t := d.top.Load()

	if t > b {
		// Deque was already empty; restore bottom and bail.
		d.bottom.Store(b + 1)
		return v, false
	}

	out := r.get(b)
	if t == b {
		// Last element: race with potential stealers via CAS on top.
		if !d.top.CompareAndSwap(t, t+1) {
			var zero T
			d.bottom.Store(b + 1)
			return zero, false
		}
		d.bottom.Store(b + 1)
		return out, true
	}
	return out, true
}

// PopTop attempts to steal the oldest item from the deque. Any goroutine
// may call this concurrently with the owner's PushBottom/PopBottom and with
// other stealers; it never blocks the owner.
func (d *Deque[T]) PopTop() (v T, ok bool) {
	t := d.top.Load()
	b := d.bottom.Load()
	if t >= b {
		return v, false
	}
	r := d.buf.Load()
	out := r.get(t)
	if !d.top.CompareAndSwap(t, t+1) {
		var zero T
		return zero, false
	}
	return out, true
}
