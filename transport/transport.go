// Package transport defines the narrow byte-oriented interface package
// network dispatches parcels over. It intentionally knows nothing about
// parcels, actions, or LCOs — only "send these bytes to that rank" and
// "what bytes, if any, arrived for me" — so that swapping the concrete
// fabric (in-process channels for tests, real sockets for a multi-process
// deployment) never touches package network's dispatch policy.
package transport

// Transport moves opaque messages between localities identified by rank.
// Implementations need not guarantee ordering across distinct Send calls
// to the same destination beyond what the concrete fabric happens to
// provide; package network's rendezvous protocol does not depend on
// transport-level ordering.
type Transport interface {
	// Rank returns this transport's own locality rank.
	Rank() uint32

	// Ranks returns the total number of localities reachable through this
	// transport, including this one.
	Ranks() uint32

	// Send hands data to dest. It may return before dest has actually
	// received anything; it returns an error only when the transport can
	// tell synchronously that delivery will not be attempted (an unknown
	// destination, a closed transport, a full send buffer).
	Send(dest uint32, data []byte) error

	// Recv returns the next inbound message queued for this locality
	// without blocking. ok is false when nothing is currently queued.
	Recv() (src uint32, data []byte, ok bool)

	// Close releases the transport's resources. Send after Close returns
	// an error; Recv after Close still returns messages that were already
	// queued, and (0, nil, false) once none remain.
	Close() error
}
