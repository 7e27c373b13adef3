package network

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// MemGetAction is the well-known action a remote MemGetSync request
// invokes on the locality owning the source address (§4.5). It sits right
// after package lco's reserved ids (1-4).
const MemGetAction action.ID = 5

// RegisterMemActions registers MemGetAction's handler, which pins the
// requested local address and returns its bytes as the continuation
// value. Call this once per locality whose Heap addresses may be
// MemGetSync'd from elsewhere.
func RegisterMemActions(reg *action.Registry, heap *gas.Heap) error {
	return reg.RegisterAt(MemGetAction, "network.memget", memGetHandler(heap), action.Default)
}

func memGetHandler(heap *gas.Heap) action.Handler {
	return func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		if len(p.Payload) < 4 {
			return nil, fmt.Errorf("network: memget request payload too short")
		}
		n := binary.LittleEndian.Uint32(p.Payload)
		buf := make([]byte, n)
		if st := heap.MemGet(p.Target, buf); !st.OK() {
			return nil, fmt.Errorf("network: memget on %s: %s", p.Target, st)
		}
		return buf, nil
	}
}

// remoteFetch is installed as gas.Heap's RemoteFetch hook (see New). It
// mints a scratch lco.Future the same way lco.Table's own remote-get
// rendezvous does, asks src's owning locality to pin-and-return its bytes
// via MemGetAction, and copies the result into dst once the scratch Future
// is signalled.
func (d *Dispatcher) remoteFetch(t *thread.Thread, src gas.Addr, dst []byte) status.Status {
	if d.table == nil {
		return status.NotFound
	}

	scratch := lco.NewFuture()
	scratchAddr := d.table.New(scratch)
	defer d.table.Delete(scratchAddr)

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(dst)))

	st := d.Send(&parcel.Parcel{
		Target:     src,
		Action:     MemGetAction,
		ContTarget: scratchAddr,
		ContAction: action.LCOSet,
		Payload:    lenBuf,
	})
	if !st.OK() {
		return st
	}

	val, st := scratch.Get(t)
	if !st.OK() {
		return st
	}
	if len(val) < len(dst) {
		return status.Fatal
	}
	copy(dst, val[:len(dst)])
	return status.OK
}

// asyncFetch is installed as gas.Heap's MemGetAsync remote-fetch hook (see
// New). It issues the same MemGetAction request as remoteFetch, but since
// MemGetAsync has no calling Thread to Suspend, the scratch Future is
// polled from a background goroutine instead, sleeping between polls with
// a backoff that doubles from 1µs up to 1ms, and done is called once the bytes have landed (or
// the fetch has failed) rather than a Thread being woken.
func (d *Dispatcher) asyncFetch(src gas.Addr, dst []byte, done func(status.Status)) {
	if d.table == nil {
		done(status.NotFound)
		return
	}

	scratch := lco.NewFuture()
	scratchAddr := d.table.New(scratch)

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(dst)))

	st := d.Send(&parcel.Parcel{
		Target:     src,
		Action:     MemGetAction,
		ContTarget: scratchAddr,
		ContAction: action.LCOSet,
		Payload:    lenBuf,
	})
	if !st.OK() {
		d.table.Delete(scratchAddr)
		done(st)
		return
	}

	go func() {
		defer d.table.Delete(scratchAddr)
		backoff := time.Microsecond
		const maxBackoff = time.Millisecond
		for {
			val, st := scratch.OnGet()
			switch st {
			case status.OK:
				if len(val) < len(dst) {
					done(status.Fatal)
					return
				}
				copy(dst, val[:len(dst)])
				done(status.OK)
				return
			case status.LCOError:
				done(st)
				return
			default:
				time.Sleep(backoff)
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}
	}()
}
