// Package segment implements on-block layout: the concatenation of a
// vertex's header, overflow-block locator list, lightweight edge table,
// and property list into a single byte stream, and the
// splitting/reassembly of that stream across the fixed-size blocks a
// vertex segment owns.
package segment

import (
	"encoding/binary"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nod/edge"
	"github.com/cuemby/nod/internal/nod/property"
	"github.com/cuemby/nod/internal/nodkind"
)

// HeaderBytes is the fixed 24-byte segment header width.
const HeaderBytes = 24

// Header is the fixed leading record of every vertex segment stream.
type Header struct {
	NumBlocks           uint32
	NumLightweightEdges uint32
	PropertyBytes       uint64
	UnusedBytes         uint64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderBytes)
	binary.LittleEndian.PutUint32(b[0:], h.NumBlocks)
	binary.LittleEndian.PutUint32(b[4:], h.NumLightweightEdges)
	binary.LittleEndian.PutUint64(b[8:], h.PropertyBytes)
	binary.LittleEndian.PutUint64(b[16:], h.UnusedBytes)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		NumBlocks:           binary.LittleEndian.Uint32(b[0:]),
		NumLightweightEdges: binary.LittleEndian.Uint32(b[4:]),
		PropertyBytes:       binary.LittleEndian.Uint64(b[8:]),
		UnusedBytes:         binary.LittleEndian.Uint64(b[16:]),
	}
}

// DecodeHeader reads just the fixed 24-byte header, without requiring
// the rest of the stream (overflow locators, edge table, property
// list) to be present yet. Used by callers that must learn a segment's
// true block count before they can fetch the remaining overflow blocks.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderBytes {
		return Header{}, nodkind.New(nodkind.ErrState, "segment: header requires %d bytes, got %d", HeaderBytes, len(b))
	}
	return decodeHeader(b[:HeaderBytes]), nil
}

// Stream is the fully assembled, flat byte sequence of a vertex
// segment: header, overflow locators, edge table, property list.
type Stream struct {
	Header    Header
	Overflow  []locator.Locator
	EdgeTable *edge.Table
	Props     *property.List
}

// Encode concatenates the stream's regions into one byte slice, ready
// to be split across blocks by SplitIntoBlocks. The header's
// NumLightweightEdges, PropertyBytes and UnusedBytes fields are
// recomputed from EdgeTable/Props so callers never need to keep them in
// sync by hand; NumBlocks must already reflect the caller's block-count
// decision since splitting, not encoding, is where block count matters.
func (s *Stream) Encode() []byte {
	s.Header.NumLightweightEdges = uint32(s.EdgeTable.Count())
	s.Header.PropertyBytes = s.Props.PropertyBytes()
	s.Header.UnusedBytes = s.Props.UnusedBytes()

	out := make([]byte, 0, HeaderBytes+len(s.Overflow)*8+len(s.EdgeTable.Bytes())+len(s.Props.Bytes()))
	out = append(out, s.Header.encode()...)
	for _, loc := range s.Overflow {
		var lb [8]byte
		binary.LittleEndian.PutUint64(lb[:], uint64(loc))
		out = append(out, lb[:]...)
	}
	out = append(out, s.EdgeTable.Bytes()...)
	out = append(out, s.Props.Bytes()...)
	return out
}

// Decode parses a flat byte stream (as reassembled by JoinBlocks) back
// into its four regions. edgeTableLen is the byte length of the edge
// table region; it is not self-describing within the stream (a partial
// last edge block cannot be told apart from property bytes by content
// alone), so the caller supplies it, derived in practice from
// NumLightweightEdges rounded up to a whole number of edge blocks by
// the edge package's own block size.
func Decode(buf []byte, edgeTableLen int) (*Stream, error) {
	if len(buf) < HeaderBytes {
		return nil, nodkind.New(nodkind.ErrState, "segment: stream shorter than header (%d < %d)", len(buf), HeaderBytes)
	}
	h := decodeHeader(buf[:HeaderBytes])
	pos := HeaderBytes

	overflowLen := int(h.NumBlocks-1) * 8
	if h.NumBlocks == 0 {
		overflowLen = 0
	}
	if pos+overflowLen > len(buf) {
		return nil, nodkind.New(nodkind.ErrState, "segment: overflow locator list overruns stream")
	}
	overflow := make([]locator.Locator, 0, overflowLen/8)
	for i := 0; i < overflowLen; i += 8 {
		overflow = append(overflow, locator.Locator(binary.LittleEndian.Uint64(buf[pos+i:])))
	}
	pos += overflowLen

	if pos+edgeTableLen > len(buf) {
		return nil, nodkind.New(nodkind.ErrState, "segment: edge table overruns stream")
	}
	edgeBytes := append([]byte(nil), buf[pos:pos+edgeTableLen]...)
	pos += edgeTableLen

	propBytes := append([]byte(nil), buf[pos:]...)

	return &Stream{
		Header:    h,
		Overflow:  overflow,
		EdgeTable: edge.FromBytes(edgeBytes, int(h.NumLightweightEdges)),
		Props:     property.FromBytes(propBytes),
	}, nil
}

// SplitIntoBlocks divides a flat stream into exactly numBlocks chunks of
// blockSize bytes each, zero-padding the final chunk. It is the
// caller's responsibility (the transaction engine) to ensure
// numBlocks*blockSize >= len(stream); SplitIntoBlocks returns ErrState
// if it does not.
func SplitIntoBlocks(stream []byte, numBlocks int, blockSize uint32) ([][]byte, error) {
	capacity := numBlocks * int(blockSize)
	if capacity < len(stream) {
		return nil, nodkind.New(nodkind.ErrState, "segment: %d blocks of %d bytes cannot hold a %d-byte stream", numBlocks, blockSize, len(stream))
	}
	blocks := make([][]byte, numBlocks)
	for i := 0; i < numBlocks; i++ {
		start := i * int(blockSize)
		end := start + int(blockSize)
		chunk := make([]byte, blockSize)
		if start < len(stream) {
			n := copy(chunk, stream[start:min(end, len(stream))])
			_ = n
		}
		blocks[i] = chunk
	}
	return blocks, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// JoinBlocks concatenates block-sized chunks back into one flat stream
// of exactly totalLen bytes (the trailing padding SplitIntoBlocks added
// to the last block is dropped).
func JoinBlocks(blocks [][]byte, totalLen int) []byte {
	out := make([]byte, 0, totalLen)
	for _, b := range blocks {
		out = append(out, b...)
	}
	if len(out) > totalLen {
		out = out[:totalLen]
	}
	return out
}

// RequiredBlocks solves
// num_blocks = ceil((header + (num_blocks-1)*8 + edge_bytes + property_bytes) / B)
// for num_blocks. Since num_blocks appears on both sides, it is solved iteratively: the
// overflow-locator-list size depends on the block count, which depends
// on the total size, so a fixed point is found by starting from a
// lower-bound guess and re-deriving until stable (this converges in at
// most two iterations in practice, since each added overflow locator is
// a fixed 8 bytes per block and blockSize is always >> 8).
func RequiredBlocks(edgeBytes, propertyBytes uint64, blockSize uint32) uint32 {
	b := uint64(blockSize)
	guess := uint64(1)
	for i := 0; i < 64; i++ {
		total := HeaderBytes + (guess-1)*8 + edgeBytes + propertyBytes
		need := (total + b - 1) / b
		if need == 0 {
			need = 1
		}
		if need == guess {
			return uint32(need)
		}
		guess = need
	}
	return uint32(guess)
}
