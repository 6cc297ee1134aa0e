// Package locator implements the 64-bit packed (rank, block-offset)
// identifier used throughout NOD to address a block anywhere in the
// cluster. See the on-block layout and distributed index packages for how
// a Locator becomes a vertex UID.
package locator

import "fmt"

// OffsetBits is the compile-time split point between the rank and the
// offset fields of a packed Locator. All peers in a cluster must agree on
// this value; it bounds both per-peer addressable memory (2^OffsetBits
// bytes) and cluster size (2^(64-OffsetBits) ranks).
const OffsetBits = 32

const offsetMask = (uint64(1) << OffsetBits) - 1

// Null is the distinguished all-ones value denoting "no locator".
const Null Locator = ^Locator(0)

// Locator is an opaque packed (rank, offset) pair. The zero value is a
// valid locator (rank 0, offset 0); use Null, not the zero value, to test
// for absence.
type Locator uint64

// Pack builds a Locator from a rank and a byte offset within that rank's
// block window. Pack is pure and branch-free; callers are responsible for
// ensuring offset is a multiple of the configured block size (Pack does
// not validate this: the block manager does, at allocation time).
func Pack(rank int, offset uint32) Locator {
	return Locator(uint64(rank)<<OffsetBits | uint64(offset)&offsetMask)
}

// Rank returns the packed rank (process id).
func (l Locator) Rank() int {
	return int(uint64(l) >> OffsetBits)
}

// Offset returns the packed block offset within Rank()'s window.
func (l Locator) Offset() uint32 {
	return uint32(uint64(l) & offsetMask)
}

// Unpack is a convenience that returns both fields at once.
func (l Locator) Unpack() (rank int, offset uint32) {
	return l.Rank(), l.Offset()
}

// IsNull reports whether l is the distinguished NULL locator.
func (l Locator) IsNull() bool {
	return l == Null
}

// BlockIndex returns Offset() / blockSize, the index of the block within
// the owning rank's contiguous window. Callers must pass the same
// blockSize the cluster was configured with.
func (l Locator) BlockIndex(blockSize uint32) uint32 {
	return l.Offset() / blockSize
}

// String renders a Locator for debug printing, e.g. "loc(rank=2,off=1536)"
// or "loc(NULL)".
func (l Locator) String() string {
	if l.IsNull() {
		return "loc(NULL)"
	}
	return fmt.Sprintf("loc(rank=%d,off=%d)", l.Rank(), l.Offset())
}
