// Package vertex implements the vertex holder: the transient, in-memory
// editable form of a vertex that a transaction builds from RMA-fetched
// blocks and mutates locally before writing back at commit.
package vertex

import (
	"context"
	"fmt"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nod/block"
	"github.com/cuemby/nod/internal/nod/edge"
	"github.com/cuemby/nod/internal/nod/property"
	"github.com/cuemby/nod/internal/nod/segment"
	"github.com/cuemby/nod/internal/nod/vlock"
	"github.com/cuemby/nod/internal/nodkind"
)

// LockState is the holder's view of what this transaction currently
// holds on the vertex's remote lock.
type LockState int

const (
	LockNone LockState = iota
	LockRead
	LockWrite
)

// Holder is a transaction's in-memory mirror of one vertex. It is never
// shared across transactions: each transaction that associates the same
// locator gets its own Holder, consulting key_to_holder only to avoid
// re-fetching within a single transaction.
type Holder struct {
	Primary locator.Locator
	Blocks  []locator.Locator // primary first, then overflow in order

	Edges *edge.Table
	Props *property.List

	Lock        LockState
	Incarnation uint32

	Created bool
	Deleted bool
	Written bool
}

// NewForCreate builds a fresh, empty holder for a brand-new vertex
// already allocated on primary, with the write bit already set on the
// fresh block (no CAS is needed since the block is not yet published to
// any other peer).
func NewForCreate(primary locator.Locator, incarnation uint32) *Holder {
	return &Holder{
		Primary:     primary,
		Blocks:      []locator.Locator{primary},
		Edges:       edge.NewEmpty(),
		Props:       property.NewEmpty(),
		Lock:        LockWrite,
		Incarnation: incarnation,
		Created:     true,
		Written:     true,
	}
}

// Fetch performs the block-fetch-and-split step of associating a vertex:
// given a primary locator already read-locked by the caller, it fetches
// the primary block, decodes the header to learn the segment's true
// block count and edge-table size, fetches any overflow blocks, and
// reassembles the stream into a Holder with Lock == LockRead.
func Fetch(ctx context.Context, bm *block.Manager, primary locator.Locator, incarnation uint32) (*Holder, error) {
	blockSize := bm.BlockSize()
	primaryBuf := make([]byte, blockSize)
	if err := bm.ReadBlock(ctx, primary, primaryBuf); err != nil {
		return nil, fmt.Errorf("vertex: fetch primary block %v: %w", primary, err)
	}
	h, err := segment.DecodeHeader(primaryBuf)
	if err != nil {
		return nil, fmt.Errorf("vertex: decode header for %v: %w", primary, err)
	}

	blocks := make([]locator.Locator, 0, h.NumBlocks)
	blocks = append(blocks, primary)

	stream := append([]byte(nil), primaryBuf...)
	need := int(h.NumBlocks) * int(blockSize)
	for len(stream) < need {
		// Overflow locators are logically concatenated right after the
		// header in the stream, and the first N of them fall inside the
		// primary block we've already fetched (for typical block sizes);
		// read one overflow block at a time until we have the full
		// stream. We do not yet know the overflow locators beyond what's
		// already in `stream` until we decode them, so decode as we go.
		nextIdx := len(blocks)
		locOffset := segment.HeaderBytes + (nextIdx-1)*8
		if locOffset+8 > len(stream) {
			return nil, nodkind.New(nodkind.ErrState, "vertex: overflow locator %d not yet available in fetched stream", nextIdx-1)
		}
		overflowLoc := decodeLocatorAt(stream, locOffset)
		buf := make([]byte, blockSize)
		if err := bm.ReadBlock(ctx, overflowLoc, buf); err != nil {
			return nil, fmt.Errorf("vertex: fetch overflow block %v: %w", overflowLoc, err)
		}
		blocks = append(blocks, overflowLoc)
		stream = append(stream, buf...)
	}

	edgeTableLen := edgeTableByteLen(h.NumLightweightEdges)
	st, err := segment.Decode(stream[:need], edgeTableLen)
	if err != nil {
		return nil, fmt.Errorf("vertex: decode segment for %v: %w", primary, err)
	}

	return &Holder{
		Primary:     primary,
		Blocks:      blocks,
		Edges:       st.EdgeTable,
		Props:       st.Props,
		Lock:        LockRead,
		Incarnation: incarnation,
	}, nil
}

func edgeTableByteLen(numEdges uint32) int {
	const slotsPerBlock = 8
	const edgeBlockBytes = 80
	blocks := (int(numEdges) + slotsPerBlock - 1) / slotsPerBlock
	return blocks * edgeBlockBytes
}

func decodeLocatorAt(buf []byte, pos int) locator.Locator {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[pos+i]) << (8 * i)
	}
	return locator.Locator(v)
}

// UpgradeToWrite upgrades the holder's read lock to a write lock via
// vlock's CAS-based upgrade. On failure the holder's Lock remains
// LockRead: the caller still holds the read lock and must decide
// whether to retry, abort, or treat the transaction as critical.
func (h *Holder) UpgradeToWrite(ctx context.Context, lk *vlock.Lock) (bool, error) {
	if h.Lock == LockWrite {
		return true, nil
	}
	ok, err := lk.TryUpgradeReadToWrite(ctx, h.Incarnation)
	if err != nil {
		return false, err
	}
	if ok {
		h.Lock = LockWrite
	}
	return ok, nil
}

// MarkDeleted sets the deleted flag. FreeVertex in the transaction
// engine is responsible for the edge-teardown side effects; this just
// records the flag the commit path checks.
func (h *Holder) MarkDeleted() {
	h.Deleted = true
	h.Written = true
}

// TotalBytes computes header + overflow-locator-list + edge-table +
// property-list bytes for the holder's CURRENT in-memory content, with
// numBlocks-1 overflow locators (numBlocks is the caller's block count,
// not len(h.Blocks)). It equals the length of the stream Encode produces
// for the same block count; the commit path sizes blocks with
// RequiredBlocks, not with this method.
func (h *Holder) TotalBytes(numBlocks uint32) uint64 {
	overflow := uint64(0)
	if numBlocks > 0 {
		overflow = uint64(numBlocks-1) * 8
	}
	return uint64(segment.HeaderBytes) + overflow + uint64(len(h.Edges.Bytes())) + h.Props.PropertyBytes()
}

// RequiredBlocks is the number of blocks needed to hold this holder's
// current content.
func (h *Holder) RequiredBlocks(blockSize uint32) uint32 {
	return segment.RequiredBlocks(uint64(len(h.Edges.Bytes())), h.Props.PropertyBytes(), blockSize)
}

// Encode builds the flat on-block stream for this holder, given the
// final block count decided by the commit path.
func (h *Holder) Encode(numBlocks uint32, overflow []locator.Locator) []byte {
	s := &segment.Stream{
		Header:    segment.Header{NumBlocks: numBlocks},
		Overflow:  overflow,
		EdgeTable: h.Edges,
		Props:     h.Props,
	}
	return s.Encode()
}
