package examples

import (
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// RegisterRendezvous installs "rendezvous-echo" and "rendezvous-root" on
// loc: rendezvous-root sends a payload of the caller-chosen size to
// locality 1 and blocks on the reply, and rendezvous-echo (run on whatever
// locality receives it) hands the payload's length straight back as its
// continuation value. A payload larger than the configured --eager-limit
// forces network.Dispatcher's request/pull/data/delete-source handshake
// (§4.6) on the send instead of an eager send — the point of this
// example; the 8-byte reply is small enough to go back eagerly. The
// default payload size clears the default
// --eager-limit (4096 bytes), so a plain `parcelrt rendezvous --ranks 2`
// run exercises the rendezvous path with no extra flags.
func RegisterRendezvous(loc *runtime.Locality) (action.ID, error) {
	echoHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		return u64(uint64(len(p.Payload))), nil
	}
	echoAction, err := loc.Register("rendezvous-echo", echoHandler, action.Default)
	if err != nil {
		return 0, err
	}

	table := loc.Table()
	rootHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		if loc.Ranks() < 2 {
			loc.Exit(status.Fatal, nil)
			return nil, nil
		}
		size := decodeU64(p.Payload)
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		f := table.New(lco.NewFuture())
		defer table.Delete(f)
		req := &parcel.Parcel{
			Target:     loc.There(1),
			Action:     echoAction,
			ContTarget: f,
			ContAction: action.LCOSet,
			Payload:    payload,
		}
		if st := loc.Send(req); !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		val, st := table.Get(t, f)
		if !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		loc.Exit(status.OK, val)
		return nil, nil
	}
	rootID, err := loc.Register("rendezvous-root", rootHandler, action.Default)
	if err != nil {
		return 0, err
	}
	return rootID, nil
}
