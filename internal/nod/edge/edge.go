// Package edge implements the lightweight edge table: a flat array of
// 10-slot "edge blocks" storing an endpoint's adjacency list. Every edge
// is stored at both endpoints; neither side is a master copy, which
// matches the cluster's distributed-lock discipline (tearing an edge
// down from either end requires locating the partner-side slot with
// Find).
package edge

import (
	"encoding/binary"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/registry"
)

// Orientation values. A slot's meta byte holds exactly one of these
// (an edge is incoming, outgoing, or undirected from this endpoint's
// point of view); the zero value means tombstone (unused/removed
// entry). Filter/Count/Find accept a caller-supplied bitmask OR of the
// values it wants to match.
const (
	OrientIncoming   = 1
	OrientOutgoing   = 2
	OrientUndirected = 4
	OrientEither     = OrientIncoming | OrientOutgoing | OrientUndirected
)

const (
	slotsPerBlock  = 8 // slots 2-9 of the 10-slot block hold locators
	edgeBlockBytes = 10 * 8
	metaOffset     = 0
	labelOffset    = 8
	locatorOffset  = 16
)

// LabelPolicy selects how Filter/Count/Find treat the label byte.
type LabelPolicy int

const (
	LabelPolicyNone      LabelPolicy = iota // label is ignored
	LabelPolicyWhitelist                    // only labels in the given set match
	LabelPolicyBlacklist                    // only labels NOT in the given set match
)

// Table is one vertex's adjacency list.
type Table struct {
	buf   []byte
	count int // high-water mark: number of slots ever allocated by Add
}

// NewEmpty returns an empty edge table.
func NewEmpty() *Table { return &Table{} }

// FromBytes wraps an already-serialized edge-table byte stream (as read
// off the wire by the segment package). count is the number of slots
// the stream actually holds (live or tombstoned): segment headers carry
// this explicitly since it cannot be derived from buffer length alone
// once the last block is partially used.
func FromBytes(buf []byte, count int) *Table {
	return &Table{buf: buf, count: count}
}

// Bytes returns the table's backing buffer for serialization.
func (t *Table) Bytes() []byte { return t.buf }

// Count returns the high-water mark (live and tombstoned slots).
func (t *Table) Count() int { return t.count }

func blockOf(i int) int      { return i / slotsPerBlock }
func slotInBlock(i int) int  { return i % slotsPerBlock }
func blockStart(b int) int   { return b * edgeBlockBytes }
func (t *Table) capSlots() int { return (len(t.buf) / edgeBlockBytes) * slotsPerBlock }

func (t *Table) metaAddr(i int) int {
	return blockStart(blockOf(i)) + metaOffset + slotInBlock(i)
}
func (t *Table) labelAddr(i int) int {
	return blockStart(blockOf(i)) + labelOffset + slotInBlock(i)
}
func (t *Table) locatorAddr(i int) int {
	return blockStart(blockOf(i)) + locatorOffset + slotInBlock(i)*8
}

func (t *Table) meta(i int) byte       { return t.buf[t.metaAddr(i)] }
func (t *Table) setMeta(i int, m byte) { t.buf[t.metaAddr(i)] = m }

func (t *Table) label(i int) registry.Handle {
	return registry.Handle(t.buf[t.labelAddr(i)])
}
func (t *Table) setLabel(i int, h registry.Handle) {
	t.buf[t.labelAddr(i)] = byte(h)
}

func (t *Table) peerLocator(i int) locator.Locator {
	a := t.locatorAddr(i)
	return locator.Locator(binary.LittleEndian.Uint64(t.buf[a:]))
}
func (t *Table) setPeerLocator(i int, loc locator.Locator) {
	a := t.locatorAddr(i)
	binary.LittleEndian.PutUint64(t.buf[a:], uint64(loc))
}

// isLive reports whether slot i currently holds a non-removed edge.
// Indexes past the high-water mark are never live; a zero meta byte is
// the tombstone sentinel.
func (t *Table) isLive(i int) bool {
	return i < t.count && t.meta(i) != 0
}

// ensureCapacity grows buf, doubling the block count, so that slot
// index n-1 is addressable. A freshly-grown block's bytes are
// zero-valued (Go's make zero-fills), satisfying the requirement that
// crossing into a new block starts with cleared meta/label bytes.
func (t *Table) ensureCapacity(n int) {
	if t.capSlots() >= n {
		return
	}
	blocks := len(t.buf) / edgeBlockBytes
	need := (n + slotsPerBlock - 1) / slotsPerBlock
	if blocks == 0 {
		blocks = 1
	}
	for blocks < need {
		blocks *= 2
	}
	newBuf := make([]byte, blocks*edgeBlockBytes)
	copy(newBuf, t.buf)
	t.buf = newBuf
}

// Add appends a new edge entry and returns its slot offset, the value
// edge holders use to address this entry from either endpoint.
func (t *Table) Add(orient int, peer locator.Locator, label registry.Handle) int {
	i := t.count
	t.ensureCapacity(i + 1)
	t.setMeta(i, byte(orient))
	t.setLabel(i, label)
	t.setPeerLocator(i, peer)
	t.count++
	return i
}

// Remove tombstones the entry at offset without compacting.
func (t *Table) Remove(offset int) {
	t.setMeta(offset, 0)
}

// Live reports whether offset currently holds a non-removed edge.
func (t *Table) Live(offset int) bool { return t.isLive(offset) }

// Peer returns the partner locator and label stored at offset.
// Behavior is undefined if offset is not live.
func (t *Table) Peer(offset int) (locator.Locator, registry.Handle) {
	return t.peerLocator(offset), t.label(offset)
}

// Move records a live entry's relocation during Shrink, so callers can
// patch any cross-references (e.g. the partner endpoint's cached slot
// offset) that pointed at From.
type Move struct {
	From, To int
}

// Shrink runs a two-pointer compaction: a forward cursor seeks the next
// hole, a backward cursor seeks the last live entry, and the live entry
// is copied down until the cursors cross. It is run at commit only. The
// returned moves
// are in the order they were applied; buf is truncated to the minimum
// number of blocks needed to hold the surviving entries.
func (t *Table) Shrink() []Move {
	var moves []Move
	fwd, bwd := 0, t.count-1
	for fwd < bwd {
		for fwd < bwd && t.isLive(fwd) {
			fwd++
		}
		for bwd > fwd && !t.isLive(bwd) {
			bwd--
		}
		if fwd >= bwd {
			break
		}
		t.setMeta(fwd, t.meta(bwd))
		t.setLabel(fwd, t.label(bwd))
		t.setPeerLocator(fwd, t.peerLocator(bwd))
		t.setMeta(bwd, 0)
		moves = append(moves, Move{From: bwd, To: fwd})
		fwd++
		bwd--
	}

	liveCount := 0
	for liveCount < t.count && t.isLive(liveCount) {
		liveCount++
	}
	t.count = liveCount

	need := (liveCount + slotsPerBlock - 1) / slotsPerBlock
	t.buf = t.buf[:need*edgeBlockBytes]
	return moves
}

// matches reports whether the slot at i satisfies orientMask and policy.
func (t *Table) matches(i int, orientMask int, policy LabelPolicy, labels []registry.Handle) bool {
	if !t.isLive(i) {
		return false
	}
	if t.meta(i)&byte(orientMask) == 0 {
		return false
	}
	switch policy {
	case LabelPolicyNone:
		return true
	case LabelPolicyWhitelist:
		return containsHandle(labels, t.label(i))
	case LabelPolicyBlacklist:
		return !containsHandle(labels, t.label(i))
	default:
		return true
	}
}

func containsHandle(set []registry.Handle, h registry.Handle) bool {
	for _, v := range set {
		if v == h {
			return true
		}
	}
	return false
}

// Filter returns, in insertion order, the offsets of every live entry
// matching orientMask and the label policy.
func (t *Table) Filter(orientMask int, policy LabelPolicy, labels []registry.Handle) []int {
	var out []int
	for i := 0; i < t.count; i++ {
		if t.matches(i, orientMask, policy, labels) {
			out = append(out, i)
		}
	}
	return out
}

// Count is the count-only variant of Filter.
func (t *Table) Count(orientMask int, policy LabelPolicy, labels []registry.Handle) int {
	n := 0
	for i := 0; i < t.count; i++ {
		if t.matches(i, orientMask, policy, labels) {
			n++
		}
	}
	return n
}

// Orient returns the orientation value stored at offset (one of
// OrientIncoming/OrientOutgoing/OrientUndirected). Behavior is undefined
// if offset is not live.
func (t *Table) Orient(offset int) int { return int(t.meta(offset)) }

// Symmetric returns the orientation the partner endpoint's slot for the
// same edge must carry: INCOMING and OUTGOING swap, UNDIRECTED stays
// UNDIRECTED.
func Symmetric(orient int) int {
	switch orient {
	case OrientIncoming:
		return OrientOutgoing
	case OrientOutgoing:
		return OrientIncoming
	default:
		return orient
	}
}

// Find linearly scans for the partner-side slot addressing peer via
// orientMask and label. Used to locate the other endpoint's entry when
// tearing an edge down from this side.
func (t *Table) Find(orientMask int, peer locator.Locator, label registry.Handle) (offset int, ok bool) {
	for i := 0; i < t.count; i++ {
		if !t.isLive(i) {
			continue
		}
		if t.meta(i)&byte(orientMask) == 0 {
			continue
		}
		if t.peerLocator(i) == peer && t.label(i) == label {
			return i, true
		}
	}
	return 0, false
}
