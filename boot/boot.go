// Package boot is the runtime's bootstrap layer: resolving a locality's
// rank/peer-count and constructing the transport.Transport it talks to
// them through, plus Handle.Abort, the one-shot local abort that
// runtime.Locality.Abort's broadcast and its AbortAction handler end in
// (§7 "trigger boot.Handle.Abort(), which broadcasts an abort to peer
// localities").
//
// Only the two boot/transport combinations §1 carries in scope are
// realized: a single-process "smp" boot sharing one transport/smp.Fabric
// across every locality, and a "static" boot dialing a fixed peer list
// over transport/tcp. mpirun/pmi bootstrap and the mpi/portals/photon
// transports are named in the option table but are out of scope.
package boot

import (
	"fmt"
	"sync/atomic"

	"github.com/hpx-go/parcelrt/config"
	"github.com/hpx-go/parcelrt/transport"
	"github.com/hpx-go/parcelrt/transport/smp"
	"github.com/hpx-go/parcelrt/transport/tcp"
)

// Handle is one locality's view of the bootstrap: its rank, the total
// locality count, and the transport wired to reach every other locality.
// The abort broadcast itself is installed later via SetAbortHook, once
// package runtime has a network.Dispatcher to send through — the same
// injected-closure discipline gas.Heap.SetRemoteFetch uses to cross a
// one-way package boundary (boot sits below runtime/network, which
// depend on it for their Transport, and must not import either back).
type Handle struct {
	rank, ranks uint32
	t           transport.Transport
	aborted     atomic.Bool
	onAbort     func(reason string)
}

// NewSMP builds a Handle for locality rank out of a shared fabric — every
// locality in one process boot()s against the same *smp.Fabric so they
// can actually reach each other.
func NewSMP(fabric *smp.Fabric, rank uint32) *Handle {
	t := fabric.Transport(rank)
	return &Handle{rank: rank, ranks: t.Ranks(), t: t}
}

// NewStatic dials cfg.Peers over TCP, cfg.Peers[cfg.Rank] is this
// locality's own listen address.
func NewStatic(cfg config.Config) (*Handle, error) {
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return nil, fmt.Errorf("boot: rank %d out of range for %d peers", cfg.Rank, len(cfg.Peers))
	}
	t, err := tcp.New(tcp.Config{
		Rank:       uint32(cfg.Rank),
		Peers:      cfg.Peers,
		InboxDepth: cfg.ParcelBufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("boot: static bootstrap: %w", err)
	}
	return &Handle{rank: uint32(cfg.Rank), ranks: uint32(len(cfg.Peers)), t: t}, nil
}

// New selects NewSMP or NewStatic per cfg.Boot, for callers that don't
// want to special-case the boot method themselves (package runtime's own
// constructor). fabric is ignored (and may be nil) for a static boot.
func New(cfg config.Config, fabric *smp.Fabric) (*Handle, error) {
	switch cfg.Boot {
	case config.BootSMP:
		if fabric == nil {
			return nil, fmt.Errorf("boot: smp boot requires a shared *smp.Fabric")
		}
		return NewSMP(fabric, uint32(cfg.Rank)), nil
	case config.BootStatic:
		return NewStatic(cfg)
	default:
		return nil, fmt.Errorf("boot: unsupported boot method %q", cfg.Boot)
	}
}

// Rank returns this locality's own rank.
func (h *Handle) Rank() uint32 { return h.rank }

// Ranks returns the total number of localities in this run.
func (h *Handle) Ranks() uint32 { return h.ranks }

// Transport returns the transport this locality reaches its peers
// through.
func (h *Handle) Transport() transport.Transport { return h.t }

// SetAbortHook installs the broadcast-then-shutdown action Abort
// performs. Must be called once, before the first Abort, by whatever
// constructs this Handle's owning Locality.
func (h *Handle) SetAbortHook(f func(reason string)) { h.onAbort = f }

// Aborted reports whether Abort has already fired on this Handle.
func (h *Handle) Aborted() bool { return h.aborted.Load() }

// Abort fires the installed abort hook exactly once; subsequent calls
// (including ones racing a concurrent first call) are no-ops, matching
// the one-shot semantics an abort broadcast needs — a second "abort"
// parcel arriving after the first would otherwise double-shutdown an
// already-shutting-down locality.
func (h *Handle) Abort(reason string) {
	if !h.aborted.CompareAndSwap(false, true) {
		return
	}
	if h.onAbort != nil {
		h.onAbort(reason)
	}
}

// Close releases the underlying transport.
func (h *Handle) Close() error { return h.t.Close() }
