package lco

import (
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// Future is a single-shot value cell: at most one OnSet ever takes effect;
// OnGet/OnWait block until it does (§4.4, §9's Future variant).
type Future struct {
	Base
	value []byte
	code  status.Status
}

// NewFuture constructs an unset Future.
func NewFuture() *Future { return &Future{} }

func (f *Future) OnFini() {}

func (f *Future) OnSet(val []byte) status.Status {
	f.lock()
	defer f.unlock()
	if f.triggered() {
		return status.OK // idempotent: first Set wins, matching single-shot semantics
	}
	f.value = append([]byte(nil), val...)
	f.setTriggered()
	return status.OK
}

func (f *Future) OnError(code status.Status) {
	f.lock()
	defer f.unlock()
	if f.triggered() {
		return
	}
	f.code = code
	f.setErrored()
	f.setTriggered()
}

func (f *Future) onReady() (bool, status.Status) {
	if !f.triggered() {
		return false, status.OK
	}
	if f.errored() {
		return true, status.LCOError
	}
	return true, status.OK
}

// Get blocks t until the future is set, returning a copy of the value.
// It checks readiness through onReady; OnGet/OnWait below are the
// vtable's non-blocking poll, for anyone wanting to test readiness
// without parking.
func (f *Future) Get(t *thread.Thread) ([]byte, status.Status) {
	st := f.wait(t, f.onReady)
	if !st.OK() {
		return nil, st
	}
	f.lock()
	defer f.unlock()
	return append([]byte(nil), f.value...), status.OK
}

func (f *Future) OnGet() ([]byte, status.Status) {
	f.lock()
	defer f.unlock()
	ok, st := f.onReady()
	if !ok {
		return nil, status.ChannelEmpty
	}
	if !st.OK() {
		return nil, st
	}
	return append([]byte(nil), f.value...), status.OK
}

func (f *Future) OnGetRef() ([]byte, status.Status) {
	f.lock()
	defer f.unlock()
	ok, st := f.onReady()
	if !ok {
		return nil, status.ChannelEmpty
	}
	if !st.OK() {
		return nil, st
	}
	return f.value, status.OK
}

func (f *Future) OnRelease() {}

func (f *Future) OnWait() status.Status {
	ok, st := f.onReady()
	if !ok {
		return status.ChannelEmpty
	}
	return st
}

func (f *Future) OnReset() {
	f.lock()
	defer f.unlock()
	f.value = nil
	f.code = status.OK
	f.clearTriggered()
	f.clearErrored()
}

func (f *Future) OnAttach(extra int) status.Status {
	return status.Fatal // Future has fixed arity 1; attach makes no sense
}

func (f *Future) waitBase() *Base { return &f.Base }

func (f *Future) OnSize() int {
	f.lock()
	defer f.unlock()
	if !f.triggered() {
		return -1
	}
	return len(f.value)
}
