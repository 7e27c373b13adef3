package examples

import (
	"encoding/binary"
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/gas"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/thread"
)

// rankTagged prefixes payload with its contributing rank, the framing
// lco.AllGather.OnSet requires (§4.4, §9's all-gather variant) — this
// example's own copy of the helper package lco's tests use internally,
// since that one is unexported to its own package.
func rankTagged(rank uint32, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, rank)
	copy(buf[4:], payload)
	return buf
}

// RegisterAllGather installs "allgather-contribute" and "allgather-root" on
// loc: allgather-root mints an AllGather sized to the run's locality
// count, sends every locality (itself included) its address via
// allgather-contribute, then blocks on Gather until every rank's square
// has landed, and exits with their sum — exercising the AllGather LCO
// across real localities end to end rather than only within one
// package's unit tests.
func RegisterAllGather(loc *runtime.Locality) (action.ID, error) {
	table := loc.Table()

	contributeHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		gatherAddr := gas.Addr(decodeU64(p.Payload))
		rank := loc.Rank()
		contribution := u64(uint64(rank) * uint64(rank))
		loc.Send(&parcel.Parcel{
			Target:  gatherAddr,
			Action:  action.LCOSet,
			Payload: rankTagged(rank, contribution),
		})
		return nil, nil
	}
	contributeID, err := loc.Register("allgather-contribute", contributeHandler, action.Default)
	if err != nil {
		return 0, err
	}

	rootHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		gather := lco.NewAllGather(int(loc.Ranks()))
		gatherAddr := table.New(gather)
		defer table.Delete(gatherAddr)

		for r := uint32(0); r < loc.Ranks(); r++ {
			req := &parcel.Parcel{Target: loc.There(r), Action: contributeID, Payload: u64(uint64(gatherAddr))}
			if st := loc.Send(req); !st.OK() {
				loc.Exit(st, nil)
				return nil, nil
			}
		}

		slots, st := gather.Gather(t)
		if !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		var sum uint64
		for _, s := range slots {
			sum += decodeU64(s)
		}
		loc.Exit(st, u64(sum))
		return nil, nil
	}
	rootID, err := loc.Register("allgather-root", rootHandler, action.Default)
	if err != nil {
		return 0, err
	}
	return rootID, nil
}
