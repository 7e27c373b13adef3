package gas

import "github.com/hpx-go/parcelrt/status"

// MemGetLocal copies n bytes starting at src into dst. It requires src to
// be local to this heap; if not, it returns status.Resend so the caller
// (package network) can forward the request to the owning locality instead.
func (h *Heap) MemGetLocal(dst []byte, src Addr, n int) status.Status {
	buf, ok := h.Pin(src)
	if !ok {
		return status.Resend
	}
	defer h.Unpin(src)

	if len(buf) < n || len(dst) < n {
		return status.NotFound
	}
	copy(dst, buf[:n])
	return status.OK
}

// MemPutLocal copies n bytes from src into the block addressed by dst. dst
// must be local; see MemGetLocal.
func (h *Heap) MemPutLocal(dst Addr, src []byte, n int) status.Status {
	buf, ok := h.Pin(dst)
	if !ok {
		return status.Resend
	}
	defer h.Unpin(dst)

	if len(buf) < n || len(src) < n {
		return status.NotFound
	}
	copy(buf[:n], src[:n])
	return status.OK
}

// MemcpyLocal copies n bytes from src to dst, both of which must be local
// blocks (possibly on the same or different heaps in theory, but in this
// single-process reference heap implementation both always refer to the
// same heap instance).
func (h *Heap) MemcpyLocal(dst, src Addr, n int) status.Status {
	sbuf, ok := h.Pin(src)
	if !ok {
		return status.Resend
	}
	defer h.Unpin(src)

	dbuf, ok := h.Pin(dst)
	if !ok {
		return status.Resend
	}
	defer h.Unpin(dst)

	if len(sbuf) < n || len(dbuf) < n {
		return status.NotFound
	}
	copy(dbuf[:n], sbuf[:n])
	return status.OK
}
