// Package vlock implements the per-vertex remote reader/writer lock:
// every block has a dedicated 64-bit lock word, laid out as
// {incarnation:u32 | writer_bit:1 | reader_count:31}, manipulated
// entirely with remote atomics. See the WindowLock doc comment in
// package rma for why this lives in its own window rather than reusing
// the allocator's single-scalar free-list head.
package vlock

import (
	"context"
	"fmt"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/rma"
)

// WriterBit is the single bit above the 31-bit reader-count field.
const WriterBit uint64 = 1 << 31

const readerMask = WriterBit - 1

// Word is a decoded lock word, for callers that want to inspect state
// without redoing the bit arithmetic.
type Word struct {
	Incarnation uint32
	Writer      bool
	Readers     uint32
}

func decode(v uint64) Word {
	low := uint32(v)
	return Word{
		Incarnation: uint32(v >> 32),
		Writer:      low&uint32(WriterBit) != 0,
		Readers:     low & uint32(readerMask),
	}
}

func encode(w Word) uint64 {
	low := w.Readers & uint32(readerMask)
	if w.Writer {
		low |= uint32(WriterBit)
	}
	return uint64(w.Incarnation)<<32 | uint64(low)
}

// Lock is a handle onto one vertex's remote lock word. It does not own
// any local state beyond the (facade, window, rank, offset) needed to
// address the word: every operation is a round-trip RMA atomic.
type Lock struct {
	facade    rma.Facade
	window    rma.Window
	blockSize uint32
	loc       locator.Locator
}

// New addresses the lock word for loc's primary block within the block
// manager's dedicated lock-word window (one 8-byte slot per block
// index; see LockWindow on block.Manager and the WindowLock doc comment
// in package rma for why this is a separate window from the allocator's
// single-scalar free-list head rather than a literal reuse of it).
func New(facade rma.Facade, lockWindow rma.Window, blockSize uint32, loc locator.Locator) *Lock {
	return &Lock{facade: facade, window: lockWindow, blockSize: blockSize, loc: loc}
}

func (l *Lock) offset() uint64 {
	idx := l.loc.Offset() / l.blockSize
	return uint64(idx) * 8
}

// Read performs an atomic no-op fetch (fetch_and_add of 0) to observe
// the current lock word without mutating it.
func (l *Lock) Read(ctx context.Context) (Word, error) {
	rank, _ := l.loc.Unpack()
	v, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), 0)
	if err != nil {
		return Word{}, fmt.Errorf("vlock: read %v: %w", l.loc, err)
	}
	return decode(v), nil
}

// AcquireRead adds 1 to the reader count. If the writer bit was set at
// the moment of the add, the reservation is released again and failure
// is reported (the caller holds no lock in that case). On success the
// observed incarnation (read atomically in the same op, before the
// increment) is returned for the caller to remember.
func (l *Lock) AcquireRead(ctx context.Context) (incarnation uint32, ok bool, err error) {
	rank, _ := l.loc.Unpack()
	prev, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), 1)
	if err != nil {
		return 0, false, fmt.Errorf("vlock: acquire_read %v: %w", l.loc, err)
	}
	w := decode(prev)
	if w.Writer {
		if _, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), negOne); err != nil {
			return 0, false, fmt.Errorf("vlock: release failed read reservation on %v: %w", l.loc, err)
		}
		return 0, false, nil
	}
	return w.Incarnation, true, nil
}

// negOne is the two's-complement encoding of -1 in the 64-bit lock word,
// used to subtract 1 via fetch-and-add (the façade only exposes
// addition; subtraction is addition of the wraparound negative).
const negOne = ^uint64(0)

// ReleaseRead drops one reader.
func (l *Lock) ReleaseRead(ctx context.Context) error {
	rank, _ := l.loc.Unpack()
	if _, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), negOne); err != nil {
		return fmt.Errorf("vlock: release_read %v: %w", l.loc, err)
	}
	return nil
}

// TryUpgradeReadToWrite attempts to CAS the word from
// {incarnation, writer=0, readers=1} to {incarnation, writer=1,
// readers=0}. The caller must already hold exactly one read lock with
// the given incarnation. On failure the caller still holds its read
// lock and must release it (typically by aborting).
func (l *Lock) TryUpgradeReadToWrite(ctx context.Context, incarnation uint32) (ok bool, err error) {
	rank, _ := l.loc.Unpack()
	old := encode(Word{Incarnation: incarnation, Writer: false, Readers: 1})
	newVal := encode(Word{Incarnation: incarnation, Writer: true, Readers: 0})
	observed, err := l.facade.CompareAndSwapU64(ctx, l.window, rank, l.offset(), old, newVal)
	if err != nil {
		return false, fmt.Errorf("vlock: upgrade %v: %w", l.loc, err)
	}
	return observed == old, nil
}

// SetWriteOnFreshBlock sets the writer bit on a block that was just
// allocated by this transaction and is therefore unobservable to any
// other peer yet. No CAS is needed; a plain fetch-and-add of the writer
// bit suffices and also returns the freshly-visible incarnation (0 for a
// never-before-used block, >0 if this block index was previously used by
// a since-deleted vertex).
func (l *Lock) SetWriteOnFreshBlock(ctx context.Context) (incarnation uint32, err error) {
	rank, _ := l.loc.Unpack()
	prev, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), WriterBit)
	if err != nil {
		return 0, fmt.Errorf("vlock: set_write_on_fresh_block %v: %w", l.loc, err)
	}
	return decode(prev).Incarnation, nil
}

// ReleaseWrite drops the writer bit. If deleted is true, the release
// also bumps the incarnation field in the same atomic op: the delta is
// then -WriterBit + 1<<32, which equals WriterBit, and adding WriterBit
// to a word whose writer bit is set clears that bit and carries 1 into
// the incarnation field directly above it. When not deleted the delta is
// -WriterBit (its two's complement), which clears the bit with no carry.
// See releaseDelta for the arithmetic.
func (l *Lock) ReleaseWrite(ctx context.Context, deleted bool) error {
	rank, _ := l.loc.Unpack()
	delta := releaseDelta(deleted)
	if _, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), delta); err != nil {
		return fmt.Errorf("vlock: release_write %v: %w", l.loc, err)
	}
	return nil
}

// releaseDelta computes the fetch-and-add delta that clears the writer
// bit (always) and, when deleted is true, also increments the
// incarnation field, both in one atomic op so no transaction can ever
// observe "writer cleared, incarnation not yet bumped".
//
// Clearing the writer bit alone is -WriterBit, the two's-complement of
// WriterBit: adding (2^64 - WriterBit) to a word with the writer bit set
// and incarnation I and readers 0 yields incarnation I, writer 0,
// readers 0, with no carry into the incarnation field (the subtraction
// exactly cancels the single bit, since readers is 0 when a writer
// releases). To also bump the incarnation, add one more unit in the
// incarnation field's position (1<<32).
func releaseDelta(deleted bool) uint64 {
	delta := (^WriterBit) + 1 // two's complement of WriterBit, -WriterBit mod 2^64
	if deleted {
		delta += uint64(1) << 32
	}
	return delta
}

// ReleaseAllReaders drops n reader references in one atomic op, used for
// bulk cleanup paths (aborting a transaction that somehow accumulated
// more than one reservation against a single lock, for instance).
func (l *Lock) ReleaseAllReaders(ctx context.Context, n uint32) error {
	rank, _ := l.loc.Unpack()
	delta := uint64(-int64(n))
	if _, err := l.facade.FetchAndAddU64(ctx, l.window, rank, l.offset(), delta); err != nil {
		return fmt.Errorf("vlock: release_all_readers %v: %w", l.loc, err)
	}
	return nil
}
