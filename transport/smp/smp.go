// Package smp implements transport.Transport over in-process Go channels,
// the "transport/smp for single-process/testing use" realization SPEC
// names for §4.6's transport interface — the in-process stand-in real
// multi-locality tests run against instead of real sockets.
package smp

import (
	"fmt"
	"sync"
)

// Fabric wires a fixed number of localities together, each with its own
// inbound message queue. Constructing one Transport per rank from the same
// Fabric is the SMP equivalent of N processes on one host sharing a
// switch.
type Fabric struct {
	mu      sync.RWMutex
	inboxes []chan message
	closed  []bool
}

type message struct {
	src  uint32
	data []byte
}

// NewFabric constructs a Fabric for ranks localities, each with an inbox
// buffered to depth (the "parcel-buffer-size" config option's SMP
// analogue); a full inbox causes Send to return an error rather than
// block, matching a real transport's backpressure under a bounded send
// window.
func NewFabric(ranks int, depth int) *Fabric {
	if depth <= 0 {
		depth = 256
	}
	f := &Fabric{
		inboxes: make([]chan message, ranks),
		closed:  make([]bool, ranks),
	}
	for i := range f.inboxes {
		f.inboxes[i] = make(chan message, depth)
	}
	return f
}

// Transport returns the Transport view of rank within this Fabric.
func (f *Fabric) Transport(rank uint32) *Transport {
	return &Transport{fabric: f, rank: rank}
}

// Transport is one locality's view of a Fabric.
type Transport struct {
	fabric *Fabric
	rank   uint32
}

func (t *Transport) Rank() uint32  { return t.rank }
func (t *Transport) Ranks() uint32 { return uint32(len(t.fabric.inboxes)) }

func (t *Transport) Send(dest uint32, data []byte) error {
	f := t.fabric
	if int(dest) >= len(f.inboxes) {
		return fmt.Errorf("smp: unknown destination rank %d", dest)
	}

	f.mu.RLock()
	selfClosed, closed := f.closed[t.rank], f.closed[dest]
	f.mu.RUnlock()
	if selfClosed {
		return fmt.Errorf("smp: rank %d is closed", t.rank)
	}
	if closed {
		return fmt.Errorf("smp: destination rank %d is closed", dest)
	}

	// Copy: the caller's buffer may be reused or mutated the instant Send
	// returns (package network recycles its parcel.Pool buffers eagerly).
	cp := append([]byte(nil), data...)
	select {
	case f.inboxes[dest] <- message{src: t.rank, data: cp}:
		return nil
	default:
		return fmt.Errorf("smp: inbox for rank %d is full", dest)
	}
}

func (t *Transport) Recv() (src uint32, data []byte, ok bool) {
	select {
	case m := <-t.fabric.inboxes[t.rank]:
		return m.src, m.data, true
	default:
		return 0, nil, false
	}
}

func (t *Transport) Close() error {
	f := t.fabric
	f.mu.Lock()
	f.closed[t.rank] = true
	f.mu.Unlock()
	return nil
}
