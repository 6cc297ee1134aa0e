// Package property implements the vertex property list: a linear-scan,
// tagged-record list holding a vertex's labels, stable id, and typed
// properties, backed by a single growable byte buffer with in-place
// merge of free holes on deletion.
//
// Record format: [handle:u8 | size:u32 | payload(size bytes)]. A uint32
// payload-size field is wide enough for any property the registry
// allows while keeping the record header a fixed, predictable 5 bytes.
package property

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/internal/registry"
)

// Reserved record-kind handles. User property-type handles are assigned
// starting at registry.FirstHandle (4) and never collide with these.
const (
	HandleEmpty = 0 // free hole
	HandleLast  = 1 // terminator; always the final record in the buffer
	HandleLabel = 2 // payload is one byte: the label's registry.Handle
	HandleID    = 3 // payload is the vertex's external id bytes
)

const headerLen = 5 // 1 byte handle + 4 byte size

// DupPolicy controls Add's behavior when a colliding record already
// exists.
type DupPolicy int

const (
	// DupRefuseIfHandlePresent refuses the add if any record with the
	// same handle already exists (SINGLE_ENTITY property types).
	DupRefuseIfHandlePresent DupPolicy = iota
	// DupRefuseIfExactValue refuses the add only if a record with the
	// same handle AND the same payload bytes already exists
	// (MULTIPLE_ENTITY property types: duplicate values are rejected,
	// distinct values with the same type are not).
	DupRefuseIfExactValue
	// DupIgnoreIfExactValue treats an exact handle+payload match as a
	// successful no-op instead of an error: used for AddLabel, which must
	// be idempotent.
	DupIgnoreIfExactValue
)

// List is a vertex's property list: the backing buffer plus nothing
// else. UnusedBytes and PropertyBytes are derived by scanning rather
// than tracked incrementally, so they can never drift out of sync with
// the actual records.
type List struct {
	buf []byte
}

// NewEmpty returns a property list containing only the LAST terminator.
func NewEmpty() *List {
	return &List{buf: []byte{HandleLast, 0, 0, 0, 0}}
}

// FromBytes wraps an already-serialized property-list byte stream (as
// read off the wire by the segment package), trimming any trailing
// bytes past the real LAST terminator. A fetched vertex segment's
// property region is sliced out of a fixed-size block and may carry
// slack padding beyond the list's true end, which must not be treated
// as buffer content (it would otherwise get re-persisted as permanent,
// untracked waste on the next commit).
func FromBytes(b []byte) *List {
	l := &List{buf: b}
	pos := 0
	for pos < len(b) {
		r := l.recordAt(pos)
		if r.handle == HandleLast {
			l.buf = b[:pos+headerLen]
			return l
		}
		pos += r.span()
	}
	return l
}

// Bytes returns the list's backing buffer for serialization. Callers
// must not retain it across further mutation of the List.
func (l *List) Bytes() []byte { return l.buf }

// PropertyBytes is the `property_bytes` header field: total bytes this
// list currently occupies, including holes and the terminator.
func (l *List) PropertyBytes() uint64 { return uint64(len(l.buf)) }

// UnusedBytes is the `unused_bytes` header field: the sum, over every
// EMPTY record currently in the list, of that record's full span
// (header + payload). These are the bytes that would be reclaimed by a
// full compaction.
func (l *List) UnusedBytes() uint64 {
	var n uint64
	l.forEach(func(r record) bool {
		if r.handle == HandleEmpty {
			n += uint64(r.span())
		}
		return true
	})
	return n
}

type record struct {
	pos     int
	handle  byte
	size    uint32
	payload int // offset of payload start
}

func (r record) span() int { return headerLen + int(r.size) }

func (l *List) recordAt(pos int) record {
	return record{
		pos:     pos,
		handle:  l.buf[pos],
		size:    binary.LittleEndian.Uint32(l.buf[pos+1:]),
		payload: pos + headerLen,
	}
}

func (l *List) payloadOf(r record) []byte {
	return l.buf[r.payload : r.payload+int(r.size)]
}

func (l *List) setHandle(pos int, h byte) { l.buf[pos] = h }
func (l *List) setSize(pos int, size uint32) {
	binary.LittleEndian.PutUint32(l.buf[pos+1:], size)
}

// forEach visits every record from the head, stopping (without visiting
// it) once fn returns false, and always stopping after visiting LAST.
func (l *List) forEach(fn func(r record) bool) {
	pos := 0
	for pos < len(l.buf) {
		r := l.recordAt(pos)
		if !fn(r) {
			return
		}
		if r.handle == HandleLast {
			return
		}
		pos += r.span()
	}
}

func (l *List) findLast() record {
	var last record
	l.forEach(func(r record) bool {
		if r.handle == HandleLast {
			last = r
			return false
		}
		return true
	})
	return last
}

func (l *List) prevPos(pos int) (int, bool) {
	if pos == 0 {
		return 0, false
	}
	p := 0
	for {
		r := l.recordAt(p)
		next := p + r.span()
		if next == pos {
			return p, true
		}
		if r.handle == HandleLast || next > pos {
			return 0, false
		}
		p = next
	}
}

// Add inserts a new record with the given handle and payload, applying
// policy's duplicate-handling rule first. It reuses the first
// sufficiently-large EMPTY hole (one that fits the payload exactly, or
// with enough room left over, at least headerLen bytes, to remain a
// valid EMPTY record itself) or extends the buffer just before LAST.
func (l *List) Add(handle byte, payload []byte, policy DupPolicy) error {
	needed := uint32(len(payload))

	var foundHandle, foundExact bool
	holePos := -1
	var holeSize uint32

	l.forEach(func(r record) bool {
		switch {
		case r.handle == HandleLast:
			return false
		case r.handle == HandleEmpty:
			if holePos == -1 && (r.size == needed || r.size >= needed+headerLen) {
				holePos, holeSize = r.pos, r.size
			}
		case r.handle == handle:
			foundHandle = true
			if bytes.Equal(l.payloadOf(r), payload) {
				foundExact = true
			}
		}
		return true
	})

	switch policy {
	case DupRefuseIfHandlePresent:
		if foundHandle {
			return nodkind.New(nodkind.ErrPropertyExists, "property: handle %d already present (single-entity)", handle)
		}
	case DupRefuseIfExactValue:
		if foundExact {
			return nodkind.New(nodkind.ErrPropertyExists, "property: exact value already present for handle %d", handle)
		}
	case DupIgnoreIfExactValue:
		if foundExact {
			return nil
		}
	}

	if holePos != -1 {
		leftover := int(holeSize) - len(payload)
		l.setHandle(holePos, handle)
		l.setSize(holePos, needed)
		copy(l.buf[holePos+headerLen:], payload)
		if leftover > 0 {
			emptyPos := holePos + headerLen + len(payload)
			l.setHandle(emptyPos, HandleEmpty)
			l.setSize(emptyPos, uint32(leftover-headerLen))
		}
		return nil
	}

	last := l.findLast()
	insertPos := last.pos
	grow := headerLen + len(payload)
	newBuf := make([]byte, len(l.buf)+grow)
	copy(newBuf, l.buf[:insertPos])
	newBuf[insertPos] = handle
	binary.LittleEndian.PutUint32(newBuf[insertPos+1:], needed)
	copy(newBuf[insertPos+headerLen:], payload)
	copy(newBuf[insertPos+headerLen+len(payload):], l.buf[insertPos:])
	l.buf = newBuf
	return nil
}

// markEmptyAndCoalesce turns the record at pos into a hole and merges it
// with an EMPTY predecessor and/or successor, collapsing into LAST if
// the merged hole reaches the terminator.
func (l *List) markEmptyAndCoalesce(pos int) {
	l.setHandle(pos, HandleEmpty)
	l.coalesce(pos)
}

func (l *List) coalesce(pos int) {
	if prevPos, ok := l.prevPos(pos); ok {
		if l.buf[prevPos] == HandleEmpty {
			cur := l.recordAt(pos)
			prev := l.recordAt(prevPos)
			l.setSize(prevPos, prev.size+headerLen+cur.size)
			pos = prevPos
		}
	}
	for {
		cur := l.recordAt(pos)
		nextPos := pos + cur.span()
		next := l.recordAt(nextPos)
		switch next.handle {
		case HandleEmpty:
			l.setSize(pos, cur.size+headerLen+next.size)
			continue
		case HandleLast:
			l.buf = append(l.buf[:pos], HandleLast, 0, 0, 0, 0)
			return
		default:
			return
		}
	}
}

func (l *List) find(handle byte) (record, bool) {
	var found record
	ok := false
	l.forEach(func(r record) bool {
		if r.handle == handle {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

func (l *List) findExact(handle byte, payload []byte) (record, bool) {
	var found record
	ok := false
	l.forEach(func(r record) bool {
		if r.handle == handle && bytes.Equal(l.payloadOf(r), payload) {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// RemoveAll marks every record with the given handle as EMPTY,
// coalescing after each, and returns the number removed.
func (l *List) RemoveAll(handle byte) int {
	removed := 0
	for {
		r, ok := l.find(handle)
		if !ok {
			break
		}
		l.markEmptyAndCoalesce(r.pos)
		removed++
	}
	return removed
}

// RemoveSpecific marks the single record matching handle+payload
// exactly as EMPTY. It reports ErrNoProperty if no such record exists.
func (l *List) RemoveSpecific(handle byte, payload []byte) error {
	r, ok := l.findExact(handle, payload)
	if !ok {
		return nodkind.New(nodkind.ErrNoProperty, "property: no record matching handle %d with given value", handle)
	}
	l.markEmptyAndCoalesce(r.pos)
	return nil
}

// Update removes the record matching handle+oldValue exactly and adds
// handle+newValue under the MULTIPLE_ENTITY duplicate rule.
func (l *List) Update(handle byte, oldValue, newValue []byte) error {
	if err := l.RemoveSpecific(handle, oldValue); err != nil {
		return err
	}
	return l.Add(handle, newValue, DupRefuseIfExactValue)
}

// UpdateSingle replaces the (at most one) record for a SINGLE_ENTITY
// handle with newValue.
func (l *List) UpdateSingle(handle byte, newValue []byte) error {
	l.RemoveAll(handle)
	return l.Add(handle, newValue, DupRefuseIfHandlePresent)
}

// HasLabel reports whether a LABEL record with the given registry
// handle as payload is present.
func (l *List) HasLabel(h registry.Handle) bool {
	_, ok := l.findExact(HandleLabel, []byte{byte(h)})
	return ok
}

// AddLabel adds a LABEL record; idempotent.
func (l *List) AddLabel(h registry.Handle) error {
	return l.Add(HandleLabel, []byte{byte(h)}, DupIgnoreIfExactValue)
}

// RemoveLabel removes a LABEL record if present; a no-op if absent.
func (l *List) RemoveLabel(h registry.Handle) {
	_ = l.RemoveSpecific(HandleLabel, []byte{byte(h)})
}

// NumLabels returns the number of LABEL records.
func (l *List) NumLabels() int {
	n := 0
	l.forEach(func(r record) bool {
		if r.handle == HandleLabel {
			n++
		}
		return true
	})
	return n
}

// Labels returns every label handle currently stored, in record order.
func (l *List) Labels() []registry.Handle {
	var out []registry.Handle
	l.forEach(func(r record) bool {
		if r.handle == HandleLabel {
			out = append(out, registry.Handle(l.payloadOf(r)[0]))
		}
		return true
	})
	return out
}

// LabelsInto fills dst from the caller's buffer: called with a
// zero-length dst it returns (requiredCount, ErrTruncate); called with a
// sufficiently large dst it fills dst[:n] and returns (n, nil).
func (l *List) LabelsInto(dst []registry.Handle) (int, error) {
	all := l.Labels()
	if len(dst) < len(all) {
		return len(all), nodkind.New(nodkind.ErrTruncate, "property: LabelsInto needs %d slots, got %d", len(all), len(dst))
	}
	n := copy(dst, all)
	return n, nil
}

// SetID stores the vertex's stable external-key bytes. Called exactly
// once, at vertex creation.
func (l *List) SetID(id []byte) error {
	return l.Add(HandleID, id, DupRefuseIfHandlePresent)
}

// ID returns the vertex's external-key bytes, if any were set.
func (l *List) ID() ([]byte, bool) {
	r, ok := l.find(HandleID)
	if !ok {
		return nil, false
	}
	return l.payloadOf(r), true
}

// Value is one (handle, payload) pair returned by Properties.
type Value struct {
	Handle registry.Handle
	Data   []byte
}

func isUserProperty(handle byte) bool { return handle >= registry.FirstHandle }

// NumPropertyTypes returns the number of distinct user property-type
// handles present (not the number of property values: a MULTIPLE_ENTITY
// type with 3 values counts once here).
func (l *List) NumPropertyTypes() int {
	seen := map[byte]bool{}
	l.forEach(func(r record) bool {
		if isUserProperty(r.handle) {
			seen[r.handle] = true
		}
		return true
	})
	return len(seen)
}

// PropertyTypes returns the distinct user property-type handles present,
// in first-seen order.
func (l *List) PropertyTypes() []registry.Handle {
	var out []registry.Handle
	seen := map[byte]bool{}
	l.forEach(func(r record) bool {
		if isUserProperty(r.handle) && !seen[r.handle] {
			seen[r.handle] = true
			out = append(out, registry.Handle(r.handle))
		}
		return true
	})
	return out
}

// NumProperties returns the total number of user property-value records
// (every value of a MULTIPLE_ENTITY type counts separately).
func (l *List) NumProperties() int {
	n := 0
	l.forEach(func(r record) bool {
		if isUserProperty(r.handle) {
			n++
		}
		return true
	})
	return n
}

// Properties returns every user property value record, in record order.
func (l *List) Properties() []Value {
	var out []Value
	l.forEach(func(r record) bool {
		if isUserProperty(r.handle) {
			out = append(out, Value{Handle: registry.Handle(r.handle), Data: append([]byte(nil), l.payloadOf(r)...)})
		}
		return true
	})
	return out
}

// PropertiesInto is the caller-buffer variant of Properties.
func (l *List) PropertiesInto(dst []Value) (int, error) {
	all := l.Properties()
	if len(dst) < len(all) {
		return len(all), nodkind.New(nodkind.ErrTruncate, "property: PropertiesInto needs %d slots, got %d", len(all), len(dst))
	}
	n := copy(dst, all)
	return n, nil
}

// ValuesOf returns every value currently stored for handle, in record
// order (used for MULTIPLE_ENTITY property types and for inspecting
// labels/ids uniformly in tests).
func (l *List) ValuesOf(handle byte) [][]byte {
	var out [][]byte
	l.forEach(func(r record) bool {
		if r.handle == handle {
			out = append(out, append([]byte(nil), l.payloadOf(r)...))
		}
		return true
	})
	return out
}
