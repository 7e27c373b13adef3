// Package collective implements the runtime's group operations: broadcast-
// and-join, a fan-out/fan-in call tree generalizing a recursive hpx_call,
// and a local parallel-for that splits a range across goroutines instead
// of parcels (§2 "Collective helpers", §4.2).
package collective

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// Send is the parcel-submission hook every fan-out in this package goes
// through — a *network.Dispatcher's Send method in a real deployment, any
// func(*parcel.Parcel) status.Status in tests.
type Send func(p *parcel.Parcel) status.Status

// ScatterFunc fires one copy of act at each of targets, with per-target
// payload supplied by argsFor, and joins all of them with a freshly minted
// lco.AndGate sized to len(targets): every target's handler completion
// fires the gate's LCOSet continuation exactly once (§4.2), so the
// returned address can be Wait'd or Get'd like any other LCO once every
// target has replied. A send failure against any target deletes the gate
// and returns that failure immediately — targets already sent to before
// the failure will still fire their continuation against a gate that no
// longer exists, which is harmless (Table.Delete is idempotent and a
// continuation against an unknown address is simply dropped).
func ScatterFunc(send Send, table *lco.Table, targets []gas.Addr, act action.ID, argsFor func(i int) []byte) (gas.Addr, status.Status) {
	gate := lco.NewAndGate(len(targets))
	gateAddr := table.New(gate)

	for i, target := range targets {
		p := &parcel.Parcel{
			Target:     target,
			Action:     act,
			ContTarget: gateAddr,
			ContAction: action.LCOSet,
			Payload:    argsFor(i),
		}
		if st := send(p); !st.OK() {
			table.Delete(gateAddr)
			return gas.Null, st
		}
	}
	return gateAddr, status.OK
}

// Scatter is ScatterFunc with the same payload bytes sent to every target
// — the shape a recursive call tree's parent frame uses to fan out when
// its children all need the same argument (the common case; a fibonacci-
// style tree whose children need distinct arguments uses ScatterFunc
// instead).
func Scatter(send Send, table *lco.Table, targets []gas.Addr, act action.ID, args []byte) (gas.Addr, status.Status) {
	return ScatterFunc(send, table, targets, act, func(int) []byte { return args })
}

// Bcast invokes act with args against every locality in [0, ranks) — the
// degenerate Scatter whose target list is simply "one address per known
// locality" rather than an application-chosen set (§4.2).
func Bcast(send Send, table *lco.Table, ranks gas.Rank, act action.ID, args []byte) (gas.Addr, status.Status) {
	targets := make([]gas.Addr, ranks)
	for r := gas.Rank(0); r < ranks; r++ {
		targets[r] = gas.New(r, 0, 0)
	}
	return Scatter(send, table, targets, act, args)
}

// Child is one recursive call ParCall fans out: act invoked at Target with
// Payload as its argument.
type Child struct {
	Target  gas.Addr
	Payload []byte
}

// ParCall implements §2's "par-call (recursive divide-and-conquer)":
// invoke act once per entry of children, in parallel, and return every
// child's raw result in the same order once all have replied — the
// general shape of `cmd/parcelrt/examples`'s fibonacci action (two
// recursive fib calls joined on two futures and summed), generalized past
// two children and past the sum combine step so a handler that wants this
// fan-out-then-join shape no longer hand-rolls its own future bookkeeping.
// The caller's action handler remains the thing that recurses (each child
// invocation is just another act parcel, which may itself call ParCall
// again), matching the original's "action calls itself" divide-and-conquer
// structure rather than this package driving the recursion itself.
func ParCall(t *thread.Thread, send Send, table *lco.Table, act action.ID, children []Child) ([][]byte, status.Status) {
	if len(children) == 0 {
		return nil, status.OK
	}

	futures := make([]gas.Addr, len(children))
	for i := range children {
		futures[i] = table.New(lco.NewFuture())
	}
	defer func() {
		for _, f := range futures {
			table.Delete(f)
		}
	}()

	for i, c := range children {
		p := &parcel.Parcel{Target: c.Target, Action: act, ContTarget: futures[i], ContAction: action.LCOSet, Payload: c.Payload}
		if st := send(p); !st.OK() {
			return nil, st
		}
	}

	results := make([][]byte, len(children))
	for i, f := range futures {
		v, st := table.Get(t, f)
		if !st.OK() {
			return nil, st
		}
		results[i] = v
	}
	return results, status.OK
}

// CountRangeCall implements §2's "count-range-call": invoke act once per
// index in [0, n), round-robining the invocations across targets with
// argsFor supplying each index's payload, and return every index's raw
// result in index order once they have all landed. Where ParFor splits a
// local range across goroutines, CountRangeCall is its remote-call
// counterpart: the same index-range-split idea spread across a set of
// locality targets instead of a worker pool.
func CountRangeCall(t *thread.Thread, send Send, table *lco.Table, targets []gas.Addr, act action.ID, n int, argsFor func(i int) []byte) ([][]byte, status.Status) {
	if n <= 0 {
		return nil, status.OK
	}
	if len(targets) == 0 {
		return nil, status.Fatal
	}

	futures := make([]gas.Addr, n)
	for i := range futures {
		futures[i] = table.New(lco.NewFuture())
	}
	defer func() {
		for _, f := range futures {
			table.Delete(f)
		}
	}()

	for i := 0; i < n; i++ {
		target := targets[i%len(targets)]
		p := &parcel.Parcel{Target: target, Action: act, ContTarget: futures[i], ContAction: action.LCOSet, Payload: argsFor(i)}
		if st := send(p); !st.OK() {
			return nil, st
		}
	}

	results := make([][]byte, n)
	for i, f := range futures {
		v, st := table.Get(t, f)
		if !st.OK() {
			return nil, st
		}
		results[i] = v
	}
	return results, status.OK
}

// ParFor splits [0, n) into at most concurrency contiguous, roughly equal
// chunks and runs body on each one concurrently, joining with
// errgroup.Group — the local, single-locality analogue of Bcast for data-
// parallel loops that need no global address and no LCO. The first body
// error cancels ctx and is returned once every chunk has stopped; n<=0 is
// a no-op.
func ParFor(ctx context.Context, n, concurrency int, body func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}
	chunk := (n + concurrency - 1) / concurrency

	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error { return body(ctx, lo, hi) })
	}
	return g.Wait()
}
