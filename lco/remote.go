package lco

import (
	"fmt"
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/thread"
)

// RemoteSetAction, RemoteGetAction and RemoteWaitAction are the well-known
// ids (§4.4) a Table's Set/Get/Wait forward to when an address resolves to
// another locality. They sit alongside action.LCOSet (id 1) in the
// reserved 1..999 range package action carves out for runtime-internal
// actions, so user registrations (which start at 1000) never collide with
// them.
const (
	RemoteSetAction  action.ID = 2
	RemoteGetAction  action.ID = 3
	RemoteWaitAction action.ID = 4
)

// RegisterRemoteActions registers table's local/remote LCO protocol —
// action.LCOSet plus the three remote actions above — into reg. It must be
// called once per locality before reg.Finalize, typically from the same
// bootstrap step that constructs the locality's Table (§4.4, §4.1's
// "well-known actions registered by lco.RegisterRemoteActions").
func RegisterRemoteActions(reg *action.Registry, table *Table) error {
	if err := reg.RegisterAt(action.LCOSet, "lco.set", table.lcoSetHandler, action.Marshalled); err != nil {
		return err
	}
	if err := reg.RegisterAt(RemoteSetAction, "lco.remote-set", table.remoteSetHandler, action.Marshalled); err != nil {
		return err
	}
	if err := reg.RegisterAt(RemoteGetAction, "lco.remote-get", table.remoteGetHandler, action.Default); err != nil {
		return err
	}
	if err := reg.RegisterAt(RemoteWaitAction, "lco.remote-wait", table.remoteWaitHandler, action.Default); err != nil {
		return err
	}
	return nil
}

// lcoSetHandler backs action.LCOSet: a continuation's return value is set
// into the LCO at the continuation's own target, per §4.1's "if
// ContAction == action.LCOSet, the returned bytes become the value set
// into the LCO at ContTarget". p.Target carries that address here (package
// worker's fireContinuation builds the continuation parcel with
// Target: p.ContTarget), which is exactly why Handler threads p through in
// addition to the decoded args.
func (tb *Table) lcoSetHandler(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
	tb.Set(t.Sched, p.Target, p.Payload)
	return nil, nil
}

// remoteSetHandler runs on the owning locality when a Set against a
// non-local address was forwarded here; it applies the value with this
// locality's own Table and returns no continuation value (Set is
// fire-and-forget, per Table.Set's doc comment).
func (tb *Table) remoteSetHandler(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
	tb.Set(t.Sched, p.Target, p.Payload)
	return nil, nil
}

// remoteGetHandler is the §4.4 "remote get rendezvous": block the
// receiving locality's own thread on its local Table until the addressed
// LCO is satisfied, then return the value as this action's own return
// value, which package worker's fireContinuation delivers to the
// requester's scratch Future via action.LCOSet (ContAction/ContTarget were
// stamped on the request parcel by Table.remoteRendezvousValue).
func (tb *Table) remoteGetHandler(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
	val, st := tb.Get(t, p.Target)
	if !st.OK() {
		return nil, fmt.Errorf("lco: remote get on %s: %s", p.Target, st)
	}
	return val, nil
}

// remoteWaitHandler mirrors remoteGetHandler but for Wait: it blocks
// locally and replies with an empty, successful continuation value purely
// to signal completion, discarding whatever OnGet would have returned.
func (tb *Table) remoteWaitHandler(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
	if st := tb.Wait(t, p.Target); !st.OK() {
		return nil, fmt.Errorf("lco: remote wait on %s: %s", p.Target, st)
	}
	return nil, nil
}
