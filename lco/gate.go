package lco

import (
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// AndGate is satisfied once `arity` independent Set calls have landed,
// regardless of order — the runtime's join/barrier primitive (§4.4, §9's
// AND-gate variant), most commonly used by package collective's Bcast to
// join a scatter of replies.
type AndGate struct {
	Base
	arity     int
	remaining int
	code      status.Status
}

// NewAndGate constructs an AndGate requiring n independent contributions.
func NewAndGate(n int) *AndGate { return &AndGate{arity: n, remaining: n} }

func (g *AndGate) OnFini() {}

// OnSet counts one contribution toward arity; val is ignored (AndGate is a
// pure join signal, not a value carrier — use AllGather for that).
func (g *AndGate) OnSet(val []byte) status.Status {
	g.lock()
	defer g.unlock()
	if g.triggered() {
		return status.OK
	}
	g.remaining--
	if g.remaining <= 0 {
		g.setTriggered()
	}
	return status.OK
}

func (g *AndGate) OnError(code status.Status) {
	g.lock()
	defer g.unlock()
	if g.triggered() {
		return
	}
	g.code = code
	g.setErrored()
	g.setTriggered()
}

// OnAttach grows the gate's required arity by extra, for a contributor set
// whose size isn't known until some of its members have already joined
// (e.g. a broadcast reaching a locality that itself fans out further).
func (g *AndGate) OnAttach(extra int) status.Status {
	g.lock()
	defer g.unlock()
	if g.triggered() {
		return status.Fatal
	}
	g.arity += extra
	g.remaining += extra
	return status.OK
}

func (g *AndGate) onReady() (bool, status.Status) {
	if !g.triggered() {
		return false, status.OK
	}
	if g.errored() {
		return true, status.LCOError
	}
	return true, status.OK
}

// Wait blocks t until every contribution has landed.
func (g *AndGate) Wait(t *thread.Thread) status.Status {
	return g.wait(t, g.onReady)
}

func (g *AndGate) OnWait() status.Status {
	ok, st := g.onReady()
	if !ok {
		return status.ChannelEmpty
	}
	return st
}

func (g *AndGate) OnGet() ([]byte, status.Status) {
	ok, st := g.onReady()
	if !ok {
		return nil, status.ChannelEmpty
	}
	return nil, st
}

func (g *AndGate) OnGetRef() ([]byte, status.Status) { return g.OnGet() }
func (g *AndGate) OnRelease()                        {}

func (g *AndGate) OnReset() {
	g.lock()
	defer g.unlock()
	g.remaining = g.arity
	g.code = status.OK
	g.clearTriggered()
	g.clearErrored()
}

func (g *AndGate) waitBase() *Base { return &g.Base }

func (g *AndGate) OnSize() int { return 0 }
