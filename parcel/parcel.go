// Package parcel implements the immutable-once-sent message descriptor that
// carries one action invocation across the runtime (§3, §4.2). A Parcel
// moves through created -> (optionally enqueued) -> executing -> completed
// -> freed, with exactly one owner at any instant; Send transfers ownership
// away from the caller.
package parcel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hpx-go/parcelrt/gas"
)

// ActionID identifies a registered action (package action owns the
// registry; it is defined here, rather than there, so that this package —
// which every other core package depends on — has no dependency on the
// action registry itself).
type ActionID uint64

// NoAction is the distinguished "no continuation action" id.
const NoAction ActionID = 0

// Parcel is the descriptor of one remote-or-local action invocation.
//
// Next is reused for two purposes depending on context, exactly as §3
// specifies: while a Parcel sits on a free-list or a submission stack it is
// a plain link; while a Parcel is the "ssync" companion of another parcel
// (the local-sync notification paired with a remote send) it links to that
// secondary parcel instead. Callers must know which regime they're in, the
// same discipline the rest of the runtime uses for this field.
type Parcel struct {
	Target     gas.Addr
	Action     ActionID
	ContTarget gas.Addr
	ContAction ActionID

	PID    uuid.UUID // process id, for credit-based termination detection
	Credit int64

	Payload []byte // inline for small parcels; same slice either way here

	Next *Parcel

	pool *Pool // non-nil if acquired from a Pool, for Release to return it to
}

// ErrPayloadTooLarge is returned by Pool.Acquire when asked for a payload
// larger than the pool's configured inline buffer class supports; callers
// should fall back to an indirect/rendezvous-style allocation.
type ErrPayloadTooLarge struct {
	Requested, Max int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("parcel: requested payload %d bytes exceeds pool max %d", e.Requested, e.Max)
}

// SetTarget stamps the global address this parcel invokes an action
// against.
func (p *Parcel) SetTarget(a gas.Addr) { p.Target = a }

// SetAction stamps the action id this parcel invokes.
func (p *Parcel) SetAction(id ActionID) { p.Action = id }

// SetContinuation stamps the (target, action) pair fired with the return
// value of this parcel's handler.
func (p *Parcel) SetContinuation(target gas.Addr, act ActionID) {
	p.ContTarget = target
	p.ContAction = act
}

// HasContinuation reports whether a continuation has been set.
func (p *Parcel) HasContinuation() bool { return !p.ContTarget.IsNull() }

// SetData copies src into the parcel's payload buffer, which must already
// be sized to hold it (see Pool.Acquire).
func (p *Parcel) SetData(src []byte) {
	n := copy(p.Payload, src)
	p.Payload = p.Payload[:n]
}

// GetData returns the parcel's current payload. The returned slice aliases
// the parcel's internal buffer and is only valid until Release.
func (p *Parcel) GetData() []byte { return p.Payload }

// headerSize is the fixed-width wire header preceding the payload: target,
// action, cont-target, cont-action (8 bytes each), PID (16 bytes), credit
// (8 bytes), payload length (4 bytes).
const headerSize = 8*4 + 16 + 8 + 4

// MarshalBinary encodes the parcel's header and payload for transport. The
// continuation's target pointer is never placed on the wire unpinned —
// ContTarget here is already a global address, not a local pointer, so this
// is safe; pinned-action arguments are prepended locally by the receiver
// after unmarshalling, per §9 "Marshalling".
func (p *Parcel) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize+len(p.Payload))
	binary.LittleEndian.PutUint64(buf[0:], uint64(p.Target))
	binary.LittleEndian.PutUint64(buf[8:], uint64(p.Action))
	binary.LittleEndian.PutUint64(buf[16:], uint64(p.ContTarget))
	binary.LittleEndian.PutUint64(buf[24:], uint64(p.ContAction))
	pidBytes, _ := p.PID.MarshalBinary()
	copy(buf[32:48], pidBytes)
	binary.LittleEndian.PutUint64(buf[48:], uint64(p.Credit))
	binary.LittleEndian.PutUint32(buf[56:], uint32(len(p.Payload)))
	copy(buf[headerSize:], p.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a wire-format parcel produced by MarshalBinary.
func (p *Parcel) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("parcel: short buffer (%d bytes, want at least %d)", len(buf), headerSize)
	}
	p.Target = gas.Addr(binary.LittleEndian.Uint64(buf[0:]))
	p.Action = ActionID(binary.LittleEndian.Uint64(buf[8:]))
	p.ContTarget = gas.Addr(binary.LittleEndian.Uint64(buf[16:]))
	p.ContAction = ActionID(binary.LittleEndian.Uint64(buf[24:]))
	if err := p.PID.UnmarshalBinary(buf[32:48]); err != nil {
		return fmt.Errorf("parcel: decoding pid: %w", err)
	}
	p.Credit = int64(binary.LittleEndian.Uint64(buf[48:]))
	n := binary.LittleEndian.Uint32(buf[56:])
	if uint64(len(buf)) < headerSize+uint64(n) {
		return fmt.Errorf("parcel: truncated payload (want %d bytes)", n)
	}
	p.Payload = append(p.Payload[:0], buf[headerSize:headerSize+int(n)]...)
	return nil
}

// Pool is a size-classed free-list of parcels, avoiding a fresh allocation
// (and payload buffer) on every Acquire in the hot submission path. It is
// safe for concurrent use by many goroutines (worker loops call it from
// every kernel thread).
type Pool struct {
	maxInline int

	mu   sync.Mutex
	free *Parcel
}

// NewPool constructs a Pool whose inline payload buffers are capacity
// maxInline bytes; larger payloads must use an out-of-band/rendezvous path
// (see package network).
func NewPool(maxInline int) *Pool {
	if maxInline <= 0 {
		maxInline = 4096
	}
	return &Pool{maxInline: maxInline}
}

// Acquire returns an owned Parcel with a payload buffer of exactly n bytes
// (n <= the pool's inline class), reused from the free-list when possible.
func (pl *Pool) Acquire(n int) (*Parcel, error) {
	if n > pl.maxInline {
		return nil, &ErrPayloadTooLarge{Requested: n, Max: pl.maxInline}
	}

	pl.mu.Lock()
	p := pl.free
	if p != nil {
		pl.free = p.Next
	}
	pl.mu.Unlock()

	if p == nil {
		p = &Parcel{pool: pl}
	}
	p.Next = nil
	p.Target = gas.Null
	p.ContTarget = gas.Null
	p.Credit = 0
	if cap(p.Payload) < n {
		p.Payload = make([]byte, n, pl.maxInline)
	} else {
		p.Payload = p.Payload[:n]
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("parcel: generating process id: %w", err)
	}
	p.PID = id
	return p, nil
}

// Release returns p to its owning pool's free-list. Calling Release on a
// parcel not acquired from a Pool is a no-op, matching the spec's "freed"
// terminal lifecycle state for parcels the caller constructed by hand.
func (pl *Pool) Release(p *Parcel) {
	if p.pool != pl {
		return
	}
	pl.mu.Lock()
	p.Next = pl.free
	pl.free = p
	pl.mu.Unlock()
}

// Release moves p to its terminal "freed" lifecycle state: returned to its
// owning Pool's free-list if it was acquired from one, a no-op otherwise
// (e.g. a parcel a caller built with a bare struct literal). Exposed as a
// method on Parcel itself, rather than requiring callers to track the pool
// they acquired from, so a holder of a rendezvous source parcel (package
// network's delete-source-parcel handling, §4.6) can free it without seeing
// the unexported pool field.
func (p *Parcel) Release() {
	if p.pool != nil {
		p.pool.Release(p)
	}
}
