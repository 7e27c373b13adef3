// Package examples holds the runnable action sets cmd/parcelrt's CLI
// dispatches to: fibonacci, countdown, ping-pong, broadcast-AND,
// all-gather and rendezvous. Fibonacci and countdown follow libhpx's
// examples/hpx/*.c programs and the same divide-and-conquer and
// decrement-and-forward shapes this module's runtime package exercises in
// its own integration tests, here wired up as standalone, registrable
// demos rather than test fixtures.
package examples

import (
	"encoding/binary"
	"reflect"

	"github.com/hpx-go/parcelrt/action"
	"github.com/hpx-go/parcelrt/lco"
	"github.com/hpx-go/parcelrt/parcel"
	"github.com/hpx-go/parcelrt/runtime"
	"github.com/hpx-go/parcelrt/thread"
)

func u64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

func decodeU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// EncodeN packs n as the root argument fib and countdown both expect.
func EncodeN(n uint64) []byte { return u64(n) }

// DecodeResult unpacks a root action's []byte result back into a uint64,
// for cmd/parcelrt to print.
func DecodeResult(b []byte) uint64 { return decodeU64(b) }

// RegisterFibonacci installs "fib" and "fib-root" on loc: fib(n) spawns two
// child fib calls into fresh futures and sums them once both are set
// (examples/hpx/fibonacci.c's fib_action), and fib-root is the entry point
// cmd/parcelrt's Run call targets, which blocks on the overall future and
// Exits the locality with its value. It registers one locality at a time so
// every locality in a run ends up agreeing on the same action ids, the same
// discipline runtime's own tests use.
func RegisterFibonacci(loc *runtime.Locality) (action.ID, error) {
	table := loc.Table()

	var fibAction action.ID
	fibHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		n := decodeU64(p.Payload)
		if n < 2 {
			return u64(n), nil
		}
		f1 := table.New(lco.NewFuture())
		f2 := table.New(lco.NewFuture())
		defer table.Delete(f1)
		defer table.Delete(f2)

		if st := loc.Send(&parcel.Parcel{Target: loc.Here(), Action: fibAction, ContTarget: f1, ContAction: action.LCOSet, Payload: u64(n - 1)}); !st.OK() {
			return nil, st
		}
		if st := loc.Send(&parcel.Parcel{Target: loc.Here(), Action: fibAction, ContTarget: f2, ContAction: action.LCOSet, Payload: u64(n - 2)}); !st.OK() {
			return nil, st
		}

		v1, st1 := table.Get(t, f1)
		if !st1.OK() {
			return nil, st1
		}
		v2, st2 := table.Get(t, f2)
		if !st2.OK() {
			return nil, st2
		}
		return u64(decodeU64(v1) + decodeU64(v2)), nil
	}
	id, err := loc.Register("fib", fibHandler, action.Default)
	if err != nil {
		return 0, err
	}
	fibAction = id

	rootHandler := func(t *thread.Thread, p *parcel.Parcel, args []reflect.Value) ([]byte, error) {
		f := table.New(lco.NewFuture())
		defer table.Delete(f)
		if st := loc.Send(&parcel.Parcel{Target: loc.Here(), Action: fibAction, ContTarget: f, ContAction: action.LCOSet, Payload: p.Payload}); !st.OK() {
			loc.Exit(st, nil)
			return nil, nil
		}
		val, st := table.Get(t, f)
		loc.Exit(st, val)
		return nil, nil
	}
	rootID, err := loc.Register("fib-root", rootHandler, action.Default)
	if err != nil {
		return 0, err
	}
	return rootID, nil
}
