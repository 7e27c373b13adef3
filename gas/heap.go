package gas

import (
	"fmt"
	"sync"

	"github.com/holiman/billy"

	"github.com/hpx-go/parcelrt/status"
)

// Rank identifies the locality running this Heap.
type Rank = uint32

// block is the local metadata for one allocated, pinnable region of the
// global heap. bytes is nil for a block that is allocated but not yet
// backed (e.g. a placeholder created by AllocAtSync before the remote
// allocation completes).
type block struct {
	bytes  []byte
	pins   int32 // reference count; guarded by Heap.mu
	cyclic bool  // true if owned by the billy-backed cyclic store
	id     uint64
}

// Heap is one locality's share of the global address space: local
// allocation, the pin table, and the byte-level memget/memput/memcpy
// primitives. It does not know about the network; callers (package network,
// package lco) are responsible for forwarding operations whose target
// resolves to a different locality.
type Heap struct {
	rank  Rank
	ranks uint32

	mu     sync.Mutex
	blocks map[uint32]*block
	nextID uint32

	// cyclic is the size-classed blob store backing AllocCyclic blocks. A
	// billy database groups same-size blocks into "shelves" so that cyclic
	// allocations of a fixed block-bytes size (the common case: an LCO
	// array, a block-distributed vector) don't fragment the way a general
	// allocator would.
	cyclic billy.Database

	// remoteFetch realizes the cross-locality half of MemGetSync; installed
	// by package network via SetRemoteFetch. gas sits below network in the
	// dependency graph, so it cannot call back into it directly — this is
	// the same injected-closure discipline worker.Config.Deliver and
	// lco.Table.deliver already use to cross a one-way package boundary.
	remoteFetch RemoteFetch

	// asyncFetch realizes the cross-locality half of MemGetAsync, the
	// same way remoteFetch does for MemGetSync but without a thread to
	// suspend; installed by package network via SetAsyncFetch.
	asyncFetch AsyncFetch
}

// Config bounds a Heap's resource usage; zero values take sane defaults.
type Config struct {
	Rank      Rank
	Ranks     uint32
	HeapBytes int // advisory, mirrors the "heapsize" config option
	CacheDir  string
}

// NewHeap constructs a Heap for one locality. If cfg.CacheDir is empty the
// cyclic store is held in memory (billy.Open("", ...) — suitable for the
// SMP transport and tests); a real multi-process deployment supplies a
// per-locality scratch directory.
func NewHeap(cfg Config) (*Heap, error) {
	if cfg.Ranks == 0 {
		cfg.Ranks = 1
	}
	// maxCyclicSlot bounds the size of a single cyclic block; billy groups
	// puts into size-class "shelves" under the hood so that repeated
	// same-size cyclic allocations (the common case) don't fragment.
	const maxCyclicSlot = 1 << 24 // 16 MiB
	db, err := billy.Open(cfg.CacheDir, maxCyclicSlot, nil)
	if err != nil {
		return nil, fmt.Errorf("gas: opening cyclic block store: %w", err)
	}

	return &Heap{
		rank:   cfg.Rank,
		ranks:  cfg.Ranks,
		blocks: make(map[uint32]*block),
		cyclic: db,
	}, nil
}

// Close releases resources backing the cyclic store.
func (h *Heap) Close() error {
	return h.cyclic.Close()
}

// Rank returns the locality this heap belongs to.
func (h *Heap) Rank() Rank { return h.rank }

// AllocLocal allocates n bytes on this locality and returns its global
// address (phase 0, a fresh block of exactly n bytes).
func (h *Heap) AllocLocal(n int) Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.blocks[id] = &block{bytes: make([]byte, n)}
	return New(h.rank, id, 0)
}

// ReserveAddr mints a fresh, globally unique address on this locality
// without backing it with any bytes. Package lco uses this to give each
// LCO a global address drawn from the same per-locality id space as byte
// blocks (so a stray Pin against an LCO's address fails cleanly with
// "unknown block" rather than colliding with a real allocation), while
// keeping the LCO's actual state in its own Go-typed object rather than a
// raw byte blob.
func (h *Heap) ReserveAddr() Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	return New(h.rank, id, 0)
}

// Ranks returns the number of localities this heap's address space spans.
func (h *Heap) Ranks() uint32 { return h.ranks }

// AllocCyclic allocates `blocks` blocks of `blockBytes` each, striped
// round-robin starting at `boundary` (the first owning locality), backed by
// the billy cyclic store. It returns the address of block 0, phase 0; later
// blocks are reached via Add(int64(i)*int64(blockBytes), blockBytes, ranks).
func (h *Heap) AllocCyclic(blocks int, blockBytes int, boundary Rank) (Addr, error) {
	if blocks <= 0 || blockBytes <= 0 {
		return Null, fmt.Errorf("gas: invalid cyclic allocation request (blocks=%d, blockBytes=%d)", blocks, blockBytes)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Only the blocks owned by this locality are materialized here; remote
	// blocks are allocated by their own locality when it receives the
	// corresponding bootstrap broadcast (out of scope for this package,
	// driven by package collective's Bcast).
	owned := 0
	for i := 0; i < blocks; i++ {
		if (int(boundary)+i)%int(h.ranks) == int(h.rank) {
			owned++
		}
	}

	id := h.nextID
	h.nextID++

	buf := make([]byte, blockBytes*max(owned, 1))
	billyID, err := h.cyclic.Put(buf)
	if err != nil {
		return Null, fmt.Errorf("gas: billy put: %w", err)
	}
	h.blocks[id] = &block{bytes: buf, cyclic: true, id: billyID}

	return New(boundary, id, 0), nil
}

// Free releases a previously allocated block on this heap. It returns
// status.NotFound for an unknown block and status.Resend while the block is
// still pinned.
func (h *Heap) Free(a Addr) status.Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[a.Block()]
	if !ok {
		return status.NotFound
	}
	if b.pins > 0 {
		// Caller retried too early; this is not Fatal, just not-yet.
		return status.Resend
	}
	if b.cyclic {
		_ = h.cyclic.Delete(b.id)
	}
	delete(h.blocks, a.Block())
	return status.OK
}

// Pin attempts to translate a to a local byte slice rooted at the block's
// phase offset. It fails (returns ok=false) if a's locality is not this
// heap's rank or the block is unknown; callers forward on failure (§4.5).
func (h *Heap) Pin(a Addr) (buf []byte, ok bool) {
	if a.Locality() != h.rank {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, found := h.blocks[a.Block()]
	if !found {
		return nil, false
	}
	if int(a.Phase()) > len(b.bytes) {
		return nil, false
	}
	b.pins++
	return b.bytes[a.Phase():], true
}

// Unpin releases a reference acquired by Pin. It panics on an unbalanced
// unpin, which always indicates a caller bug rather than a recoverable
// runtime condition.
func (h *Heap) Unpin(a Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.blocks[a.Block()]
	if !ok {
		panic(fmt.Sprintf("gas: unpin of unknown block %v", a))
	}
	if b.pins <= 0 {
		panic(fmt.Sprintf("gas: unbalanced unpin of %v", a))
	}
	b.pins--
}
