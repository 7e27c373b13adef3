package gas

import (
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// RemoteFetch realizes MemGetSync's cross-locality case: block t until n
// bytes from src (owned by another locality) have landed in dst, or return
// a non-OK status. Package network installs this via SetRemoteFetch,
// wrapping its rendezvous protocol and the locally-parked lco.Future the
// spec's §4.5 "registers a local buffer with the transport's DMA key
// table ... then waits on a lco.Future" describes.
type RemoteFetch func(t *thread.Thread, src Addr, dst []byte) status.Status

// SetRemoteFetch installs fn as MemGetSync's remote realization. A Heap
// backing a single-locality deployment (unit tests, a one-rank SMP
// example) never needs one; MemGetSync on such a Heap only ever sees
// local addresses.
func (h *Heap) SetRemoteFetch(fn RemoteFetch) { h.remoteFetch = fn }

// Memcpy copies n bytes from src to dst, both of which must pin locally to
// this Heap (§4.5 "Memcpy"). Copying across localities is not this
// primitive's job — that's MemGetSync followed by a local MemPut.
func (h *Heap) Memcpy(dst, src Addr, n int) status.Status {
	sbuf, ok := h.Pin(src)
	if !ok {
		return status.NotFound
	}
	defer h.Unpin(src)

	dbuf, ok := h.Pin(dst)
	if !ok {
		return status.NotFound
	}
	defer h.Unpin(dst)

	if len(sbuf) < n || len(dbuf) < n {
		return status.Fatal
	}
	copy(dbuf[:n], sbuf[:n])
	return status.OK
}

// MemPut copies data into dst, which must pin locally (§4.5 "MemPut").
func (h *Heap) MemPut(dst Addr, data []byte) status.Status {
	buf, ok := h.Pin(dst)
	if !ok {
		return status.NotFound
	}
	defer h.Unpin(dst)

	if len(buf) < len(data) {
		return status.Fatal
	}
	copy(buf, data)
	return status.OK
}

// MemGet copies len(dst) bytes from src into dst without blocking,
// succeeding only when src pins locally. Callers that need the
// cross-locality case use MemGetSync instead (§4.5 "MemGet with a done
// LCO is non-blocking").
func (h *Heap) MemGet(src Addr, dst []byte) status.Status {
	buf, ok := h.Pin(src)
	if !ok {
		return status.NotFound
	}
	defer h.Unpin(src)

	if len(buf) < len(dst) {
		return status.Fatal
	}
	copy(dst, buf[:len(dst)])
	return status.OK
}

// MemGetSync copies len(dst) bytes from src into dst, blocking t on the
// installed RemoteFetch when src belongs to another locality (§4.5).
func (h *Heap) MemGetSync(t *thread.Thread, src Addr, dst []byte) status.Status {
	if src.Locality() == h.rank {
		return h.MemGet(src, dst)
	}
	if h.remoteFetch == nil {
		return status.NotFound
	}
	return h.remoteFetch(t, src, dst)
}

// AsyncFetch realizes MemGetAsync's cross-locality case: fetch n bytes from
// src (owned by another locality) into dst on its own, without parking any
// calling thread, and invoke done once the bytes have landed (or the fetch
// failed). Package network installs this via SetAsyncFetch, running the
// same request/rendezvous protocol RemoteFetch uses but polled from a
// background goroutine instead of suspending a user thread, since
// MemGetAsync by construction has no thread to suspend.
type AsyncFetch func(src Addr, dst []byte, done func(status.Status))

// SetAsyncFetch installs fn as MemGetAsync's remote realization. Like
// SetRemoteFetch, a single-locality deployment never needs one.
func (h *Heap) SetAsyncFetch(fn AsyncFetch) { h.asyncFetch = fn }

// MemGetAsync copies len(dst) bytes from src into dst and calls done with
// the outcome once the bytes have landed, never blocking the caller (§4.5:
// "memget with a done LCO is non-blocking and signals the LCO after the
// bytes land" — as distinct from MemGetSync's blocking wait). The local
// case is synchronous (a local copy was never blocking to begin with and
// done is called before MemGetAsync returns); the cross-locality case
// dispatches through the installed AsyncFetch and returns immediately,
// with done called later from whatever goroutine AsyncFetch completes on.
func (h *Heap) MemGetAsync(src Addr, dst []byte, done func(status.Status)) status.Status {
	if src.Locality() == h.rank {
		done(h.MemGet(src, dst))
		return status.OK
	}
	if h.asyncFetch == nil {
		return status.NotFound
	}
	h.asyncFetch(src, dst, done)
	return status.OK
}
