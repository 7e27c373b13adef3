package examples

import (
	"reflect"
	"sync/atomic"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/collective"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// RegisterBroadcastAnd installs "bcast-bump" and "bcast-and-root" on loc:
// bcast-bump increments a per-locality counter, and bcast-and-root — the
// entry point cmd/parcelrt's Run call targets — fans bcast-bump out to
// every known locality with collective.Bcast, blocks the calling user
// thread on the returned AND-gate until every one of them has replied,
// and exits with the number of localities that joined, proving every
// locality's bump actually landed before the gate released its waiter.
func RegisterBroadcastAnd(loc *runtime.Locality) (action.ID, error) {
	var bumped atomic.Int64
	bumpHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		bumped.Add(1)
		return nil, nil
	}
	bumpID, err := loc.Register("bcast-bump", bumpHandler, action.Default)
	if err != nil {
		return 0, err
	}

	rootHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		gateAddr, st := collective.Bcast(loc.Send, loc.Table(), loc.Ranks(), bumpID, nil)
		if !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		st = loc.Table().Wait(t, gateAddr)
		loc.Table().Delete(gateAddr)
		if !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		loc.Exit(status.OK, u64(uint64(loc.Ranks())))
		return nil, nil
	}
	rootID, err := loc.Register("bcast-and-root", rootHandler, action.Default)
	if err != nil {
		return 0, err
	}
	return rootID, nil
}
