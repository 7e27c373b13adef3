package examples

import (
	"math/rand/v2"
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// RegisterCountdown installs "countdown" on loc: it decrements a counter
// and forwards to a randomly chosen locality until the counter reaches
// zero, at which point the locality that processed the final hop exits
// the run (examples/hpx/countdown.c's countdown_action). The chain's
// length is exactly n+1 hops regardless of which localities it actually
// visits.
func RegisterCountdown(loc *runtime.Locality) (action.ID, error) {
	var countdownAction action.ID
	handler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		remaining := decodeU64(p.Payload)
		if remaining == 0 {
			loc.Exit(status.OK, nil)
			return nil, nil
		}
		next := rand.IntN(int(loc.Ranks()))
		loc.Send(&parcel.Parcel{
			Target:  loc.There(uint32(next)),
			Action:  countdownAction,
			Payload: u64(remaining - 1),
		})
		return nil, nil
	}
	id, err := loc.Register("countdown", handler, action.Default)
	if err != nil {
		return 0, err
	}
	countdownAction = id
	return id, nil
}
