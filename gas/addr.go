// Package gas implements the runtime's global address space: encoding of
// 64-bit global addresses as a (locality, block, phase) triple, block-cyclic
// address arithmetic, and the heap that backs local allocation, pinning, and
// remote memory access (§3, §4.5 of the design).
package gas

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Addr is a 64-bit global address: a packed (locality, block, phase)
// triple. The bit widths below bound the reference implementation (64K
// localities, 4G blocks per locality, 64K-byte block-cyclic phase) but the
// arithmetic in Add/Sub is written generically against those widths so a
// deployment needing more headroom only has to change the constants.
type Addr uint64

const (
	phaseBits    = 16
	blockBits    = 32
	localityBits = 16

	phaseMask    = (uint64(1) << phaseBits) - 1
	blockMask    = (uint64(1) << blockBits) - 1
	localityMask = (uint64(1) << localityBits) - 1

	blockShift    = phaseBits
	localityShift = phaseBits + blockBits
)

// Null is the distinguished address that never refers to valid storage.
// It is encoded with every bit set, which New can never produce because it
// rejects a locality equal to localityMask.
const Null Addr = Addr(^uint64(0))

// New packs a (locality, block, phase) triple into an Addr. It panics if any
// component overflows its bit field, which indicates a configuration bug
// (too many localities or too large a heap) rather than a recoverable
// runtime condition.
func New(locality, block uint32, phase uint32) Addr {
	if uint64(locality) > localityMask-1 {
		panic(fmt.Sprintf("gas: locality %d exceeds %d-bit field", locality, localityBits))
	}
	if uint64(phase) > phaseMask {
		panic(fmt.Sprintf("gas: phase %d exceeds %d-bit field", phase, phaseBits))
	}
	return Addr(uint64(locality)<<localityShift | uint64(block)<<blockShift | uint64(phase))
}

// Locality returns the owning locality rank.
func (a Addr) Locality() uint32 {
	return uint32((uint64(a) >> localityShift) & localityMask)
}

// Block returns the block index within the owning locality's heap.
func (a Addr) Block() uint32 {
	return uint32((uint64(a) >> blockShift) & blockMask)
}

// Phase returns the byte offset within the current block.
func (a Addr) Phase() uint32 {
	return uint32(uint64(a) & phaseMask)
}

// IsNull reports whether a is the distinguished null address.
func (a Addr) IsNull() bool { return a == Null }

// String renders the address as locality:block+phase, which is what shows
// up in trace logs and test failure messages.
func (a Addr) String() string {
	if a.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d:%d+%d", a.Locality(), a.Block(), a.Phase())
}

// signed256 is a sign-and-magnitude wrapper around uint256.Int, used only
// by the block-cyclic arithmetic below so that the phase/locality carries
// of §4.5's algorithm can go through zero in either direction without the
// silent-wraparound failure mode a plain subtraction on unsigned magnitudes
// would have. uint256 (rather than math/big) is used because the runtime
// already depends on it for address-sized fixed-width arithmetic elsewhere.
type signed256 struct {
	neg bool
	mag *uint256.Int
}

func s256FromUint64(v uint64) signed256 { return signed256{false, uint256.NewInt(v)} }

func s256FromInt64(v int64) signed256 {
	if v < 0 {
		return signed256{true, uint256.NewInt(uint64(-v))}
	}
	return signed256{false, uint256.NewInt(uint64(v))}
}

func (a signed256) add(b signed256) signed256 {
	if a.neg == b.neg {
		return signed256{a.neg, new(uint256.Int).Add(a.mag, b.mag)}
	}
	if a.mag.Cmp(b.mag) >= 0 {
		return signed256{a.neg, new(uint256.Int).Sub(a.mag, b.mag)}
	}
	return signed256{b.neg, new(uint256.Int).Sub(b.mag, a.mag)}
}

// floorDivMod returns (q, r) such that a == q*m + r and 0 <= r < m, i.e.
// floor division, which is the convention §4.5 relies on for wrapping a
// possibly-negative carry into [0, m).
func (a signed256) floorDivMod(m *uint256.Int) (q signed256, r *uint256.Int) {
	qq := new(uint256.Int).Div(a.mag, m)
	rr := new(uint256.Int).Mod(a.mag, m)

	if !a.neg || rr.IsZero() {
		return signed256{a.neg, qq}, rr
	}
	qq.Add(qq, uint256.NewInt(1))
	rr = new(uint256.Int).Sub(m, rr)
	return signed256{true, qq}, rr
}

// toUint32Wrapping collapses a signed result into a uint32 block index,
// two's-complement style. Going negative only happens when the caller adds
// a delta that runs the address before the start of its heap, which is a
// caller bug; wrapping (rather than panicking) keeps Add total, matching
// the spec's "address arithmetic is closed under the heap it was allocated
// from" — callers that stray outside the heap get an address that, while
// not meaningful, can still be fed back through Add/Sub consistently.
func (a signed256) toUint32Wrapping() uint32 {
	if !a.neg {
		return uint32(a.mag.Uint64())
	}
	v := a.mag.Uint64()
	return uint32(-int64(v))
}

// Add performs block-cyclic address arithmetic (§4.5): given block size
// blockBytes and ranks localities, it advances a by delta bytes, wrapping
// the phase into blockBytes-sized blocks and striping blocks cyclically
// across localities. delta may be negative.
func (a Addr) Add(delta int64, blockBytes uint64, ranks uint32) Addr {
	if blockBytes == 0 {
		blockBytes = 1
	}
	if ranks == 0 {
		ranks = 1
	}
	bb := uint256.NewInt(blockBytes)
	rr := uint256.NewInt(uint64(ranks))

	// Step 1: advance phase by (delta + phase) mod B; carry blocks by
	// (delta + phase) / B.
	phaseSum := s256FromUint64(uint64(a.Phase())).add(s256FromInt64(delta))
	carriedBlocks, newPhase := phaseSum.floorDivMod(bb)

	// Step 2: advance locality by (locality + blocks) mod R; carry cycles
	// by (locality + blocks) / R.
	localitySum := s256FromUint64(uint64(a.Locality())).add(carriedBlocks)
	cycles, newLocalityMag := localitySum.floorDivMod(rr)

	// Step 3: advance block by cycles.
	newBlock := s256FromUint64(uint64(a.Block())).add(cycles)

	return New(
		uint32(newLocalityMag.Uint64()),
		newBlock.toUint32Wrapping(),
		uint32(newPhase.Uint64()),
	)
}

// Sub computes the byte distance between two addresses sharing the same
// block size, i.e. the delta that satisfies a.Add(delta, blockBytes, ranks)
// == b for *some* choice of ranks, reasoning purely in flattened byte space
// (block*blockBytes + phase). Both addresses must have been allocated from
// the same cyclic heap (§3: "address arithmetic is closed under the heap it
// was allocated from").
func Sub(a, b Addr, blockBytes uint64) int64 {
	af := flatten(a, blockBytes)
	bf := flatten(b, blockBytes)
	d := new(uint256.Int).Sub(af, bf)
	if d.Sign() < 0 {
		neg := new(uint256.Int).Neg(d)
		return -int64(neg.Uint64())
	}
	return int64(d.Uint64())
}

// flatten computes a synthetic flat byte offset (block*blockBytes + phase)
// ignoring locality, sufficient for computing Sub over addresses from the
// same heap, where the relative block index carries the real information.
func flatten(a Addr, blockBytes uint64) *uint256.Int {
	bb := uint256.NewInt(blockBytes)
	blk := uint256.NewInt(uint64(a.Block()))
	out := new(uint256.Int).Mul(blk, bb)
	out.Add(out, uint256.NewInt(uint64(a.Phase())))
	return out
}
