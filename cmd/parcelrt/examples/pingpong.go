package examples

import (
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/status"
	"github.com/hpx-go/parcelrt/thread"
)

// PingPongLimit is how many bounces RegisterPingPong's pair exchanges
// before the locality that processes the terminal bounce exits. Fixed
// (rather than a CLI argument) because it must be even for Run to
// reliably observe completion (see RegisterPingPong).
const PingPongLimit = 20

// RegisterPingPong installs "ping" on loc, one of exactly two localities
// (§8's ping-pong scenario): each bounce increments the count and forwards
// to the other locality until PingPongLimit is reached, at which point
// whichever locality processes the terminal bounce exits the run. Both
// localities must call this, and PingPongLimit's evenness guarantees rank 0
// always processes the terminal bounce, so cmd/parcelrt can always Run the
// root parcel on rank 0 and observe its Exit.
func RegisterPingPong(loc *runtime.Locality) (action.ID, error) {
	rank := loc.Rank()
	peer := 1 - rank
	var pingAction action.ID
	handler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		if loc.Ranks() != 2 {
			loc.Exit(status.Fatal, nil)
			return nil, nil
		}
		n := decodeU64(p.Payload)
		if n >= PingPongLimit {
			loc.Exit(status.OK, p.Payload)
			return nil, nil
		}
		loc.Send(&parcel.Parcel{
			Target:  loc.There(peer),
			Action:  pingAction,
			Payload: u64(n + 1),
		})
		return nil, nil
	}
	id, err := loc.Register("ping", handler, action.Default)
	if err != nil {
		return 0, err
	}
	pingAction = id
	return id, nil
}
