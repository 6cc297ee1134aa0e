// Package index implements a distributed, lock-free hash index mapping
// (label_handle, external_key_bytes) to a vertex locator. It is a
// table-of-chain-heads plus a heap of fixed-width {key, value,
// incarnation, next} records, using the self-pointer "marked for
// delete" technique for wait-free-per-hop removal, and the same
// tag+CAS free-list algorithm the block manager uses for heap-slot
// recycling.
package index

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/internal/registry"
	"github.com/cuemby/nod/rma"
)

const (
	tableSlotBytes = 8
	heapSlotBytes  = 32 // key, value, incarnation, next: 4 words x 8 bytes
	freeWinBytes   = 16 // nextFreeSlot, freeListHead
)

// nullIdx marks "no more fresh slots"/"free list empty", mirroring
// block.NullIdx's role for the heap's own free list.
const nullIdx uint32 = 1<<32 - 1

// Config sizes an Index's per-peer windows.
type Config struct {
	TableSlotsPerPeer uint32
	HeapSlotsPerPeer  uint32
}

// Index is one peer's handle onto the cluster-wide distributed index.
type Index struct {
	facade rma.Facade
	cfg    Config

	table rma.Window
	heap  rma.Window
	free  rma.Window
}

// New allocates the index's three windows.
func New(ctx context.Context, facade rma.Facade, cfg Config) (*Index, error) {
	if cfg.TableSlotsPerPeer == 0 || cfg.HeapSlotsPerPeer == 0 {
		return nil, nodkind.New(nodkind.ErrDatabase, "index: TableSlotsPerPeer and HeapSlotsPerPeer must be positive")
	}
	table, err := facade.AllocateWindow(ctx, rma.WindowTable, uint64(cfg.TableSlotsPerPeer)*tableSlotBytes)
	if err != nil {
		return nil, fmt.Errorf("index: allocate table window: %w", err)
	}
	heap, err := facade.AllocateWindow(ctx, rma.WindowHeap, uint64(cfg.HeapSlotsPerPeer)*heapSlotBytes)
	if err != nil {
		return nil, fmt.Errorf("index: allocate heap window: %w", err)
	}
	free, err := facade.AllocateWindow(ctx, rma.WindowFree, freeWinBytes)
	if err != nil {
		return nil, fmt.Errorf("index: allocate free window: %w", err)
	}
	return &Index{facade: facade, cfg: cfg, table: table, heap: heap, free: free}, nil
}

// InitLocal resets this rank's own table slots to NULL and its heap
// free-list counters to empty. Every peer calls this for itself at
// database startup, exactly like block.Manager.InitLocal.
func (ix *Index) InitLocal(ctx context.Context) error {
	rank := ix.facade.Group().Rank()
	nullBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(nullBuf, uint64(locator.Null))
	for i := uint32(0); i < ix.cfg.TableSlotsPerPeer; i++ {
		if err := ix.facade.Put(ctx, ix.table, rank, uint64(i)*tableSlotBytes, nullBuf); err != nil {
			return fmt.Errorf("index: init table[%d]: %w", i, err)
		}
	}
	zero := make([]byte, 8)
	if err := ix.facade.Put(ctx, ix.free, rank, 0, zero); err != nil { // nextFreeSlot = 0
		return fmt.Errorf("index: init nextFreeSlot: %w", err)
	}
	head := packHead(0, nullIdx)
	hbuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(hbuf, head)
	if err := ix.facade.Put(ctx, ix.free, rank, 8, hbuf); err != nil {
		return fmt.Errorf("index: init freeListHead: %w", err)
	}
	return nil
}

func packHead(tag, idx uint32) uint64 { return uint64(tag)<<32 | uint64(idx) }
func unpackHead(h uint64) (tag, idx uint32) {
	return uint32(h >> 32), uint32(h)
}

// mixHash combines label and the external key bytes into a 64-bit
// value: an FNV-1a pass over the key bytes, seeded with the FNV offset
// basis XOR the label, followed by the MurmurHash3 fmix64 finalizer. The
// label is folded in first so distinct labels with the same key bytes
// land in different buckets.
func mixHash(label registry.Handle, key []byte) uint64 {
	var h uint64 = 0xcbf29ce484222325 ^ uint64(label)
	for _, b := range key {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (ix *Index) locateSlot(hashed uint64) (rank int, slot uint32) {
	n := uint64(ix.facade.Group().Size())
	tLocal := uint64(ix.cfg.TableSlotsPerPeer)
	global := hashed % (tLocal * n)
	return int(global / tLocal), uint32(global % tLocal)
}

func (ix *Index) readTableHead(ctx context.Context, rank int, slot uint32) (locator.Locator, error) {
	buf := make([]byte, 8)
	if err := ix.facade.Get(ctx, ix.table, rank, uint64(slot)*tableSlotBytes, buf); err != nil {
		return locator.Null, fmt.Errorf("index: read table[%d] on rank %d: %w", slot, rank, err)
	}
	return locator.Locator(binary.LittleEndian.Uint64(buf)), nil
}

func (ix *Index) casTableHead(ctx context.Context, rank int, slot uint32, old, newVal locator.Locator) (locator.Locator, error) {
	observed, err := ix.facade.CompareAndSwapU64(ctx, ix.table, rank, uint64(slot)*tableSlotBytes, uint64(old), uint64(newVal))
	return locator.Locator(observed), err
}

// heapSlot is a decoded {key, value, incarnation, next} record.
type heapSlot struct {
	Key         uint64
	Value       locator.Locator
	Incarnation uint32
	Next        locator.Locator
}

func heapLocator(rank int, idx uint32) locator.Locator {
	return locator.Pack(rank, idx*heapSlotBytes)
}

func (ix *Index) readHeapSlot(ctx context.Context, loc locator.Locator) (heapSlot, error) {
	rank, off := loc.Unpack()
	buf := make([]byte, heapSlotBytes)
	if err := ix.facade.Get(ctx, ix.heap, rank, uint64(off), buf); err != nil {
		return heapSlot{}, fmt.Errorf("index: read heap slot %v: %w", loc, err)
	}
	return heapSlot{
		Key:         binary.LittleEndian.Uint64(buf[0:]),
		Value:       locator.Locator(binary.LittleEndian.Uint64(buf[8:])),
		Incarnation: uint32(binary.LittleEndian.Uint64(buf[16:])),
		Next:        locator.Locator(binary.LittleEndian.Uint64(buf[24:])),
	}, nil
}

func (ix *Index) writeHeapSlot(ctx context.Context, loc locator.Locator, s heapSlot) error {
	rank, off := loc.Unpack()
	buf := make([]byte, heapSlotBytes)
	binary.LittleEndian.PutUint64(buf[0:], s.Key)
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.Value))
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.Incarnation))
	binary.LittleEndian.PutUint64(buf[24:], uint64(s.Next))
	if err := ix.facade.Put(ctx, ix.heap, rank, uint64(off), buf); err != nil {
		return fmt.Errorf("index: write heap slot %v: %w", loc, err)
	}
	return nil
}

func (ix *Index) casHeapNext(ctx context.Context, loc locator.Locator, old, newVal locator.Locator) (locator.Locator, error) {
	rank, off := loc.Unpack()
	observed, err := ix.facade.CompareAndSwapU64(ctx, ix.heap, rank, uint64(off)+24, uint64(old), uint64(newVal))
	return locator.Locator(observed), err
}

// allocHeap allocates a heap slot on the caller's own rank: pop the
// free list via tag+CAS, falling back to a bump-allocated fresh slot.
func (ix *Index) allocHeap(ctx context.Context, rank int) (locator.Locator, error) {
	for {
		headBuf := make([]byte, 8)
		if err := ix.facade.Get(ctx, ix.free, rank, 8, headBuf); err != nil {
			return locator.Null, fmt.Errorf("index: read free-list head on rank %d: %w", rank, err)
		}
		head := binary.LittleEndian.Uint64(headBuf)
		tag, idx := unpackHead(head)
		if idx == nullIdx {
			break // free list empty; fall through to bump allocation
		}
		slot, err := ix.readHeapSlot(ctx, heapLocator(rank, idx))
		if err != nil {
			return locator.Null, err
		}
		nextIdx := nullIdx
		if !slot.Next.IsNull() {
			_, off := slot.Next.Unpack()
			nextIdx = off / heapSlotBytes
		}
		newHead := packHead(tag+1, nextIdx)
		observed, err := ix.facade.CompareAndSwapU64(ctx, ix.free, rank, 8, head, newHead)
		if err != nil {
			return locator.Null, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "index: CAS heap free-list head on rank %d", rank)
		}
		if observed != head {
			continue
		}
		return heapLocator(rank, idx), nil
	}

	prev, err := ix.facade.FetchAndAddU64(ctx, ix.free, rank, 0, 1)
	if err != nil {
		return locator.Null, fmt.Errorf("index: bump-allocate heap slot on rank %d: %w", rank, err)
	}
	idx := uint32(prev)
	if uint64(idx) >= uint64(ix.cfg.HeapSlotsPerPeer) {
		return locator.Null, nodkind.New(nodkind.ErrNoMemory, "index: heap exhausted on rank %d", rank)
	}
	return heapLocator(rank, idx), nil
}

func (ix *Index) deallocHeap(ctx context.Context, loc locator.Locator) error {
	rank, off := loc.Unpack()
	idx := off / heapSlotBytes

	for {
		headBuf := make([]byte, 8)
		if err := ix.facade.Get(ctx, ix.free, rank, 8, headBuf); err != nil {
			return fmt.Errorf("index: read free-list head on rank %d: %w", rank, err)
		}
		head := binary.LittleEndian.Uint64(headBuf)
		tag, curIdx := unpackHead(head)

		nextLoc := locator.Null
		if curIdx != nullIdx {
			nextLoc = heapLocator(rank, curIdx)
		}
		if err := ix.writeHeapSlot(ctx, heapLocator(rank, idx), heapSlot{Next: nextLoc}); err != nil {
			return err
		}

		newHead := packHead(tag+1, idx)
		observed, err := ix.facade.CompareAndSwapU64(ctx, ix.free, rank, 8, head, newHead)
		if err != nil {
			return nodkind.Wrap(nodkind.ErrTransactionCritical, err, "index: CAS heap free-list head on rank %d", rank)
		}
		if observed != head {
			continue
		}
		return nil
	}
}

// Insert allocates a local heap slot, writes its fields, then splices it
// onto the head of (label,key)'s chain with a retrying CAS.
func (ix *Index) Insert(ctx context.Context, label registry.Handle, key []byte, value locator.Locator, incarnation uint32) error {
	hashed := mixHash(label, key)
	tableRank, tableSlot := ix.locateSlot(hashed)
	myRank := ix.facade.Group().Rank()

	heapLoc, err := ix.allocHeap(ctx, myRank)
	if err != nil {
		return err
	}

	for {
		head, err := ix.readTableHead(ctx, tableRank, tableSlot)
		if err != nil {
			return err
		}
		if err := ix.writeHeapSlot(ctx, heapLoc, heapSlot{Key: hashed, Value: value, Incarnation: incarnation, Next: head}); err != nil {
			return err
		}
		observed, err := ix.casTableHead(ctx, tableRank, tableSlot, head, heapLoc)
		if err != nil {
			return nodkind.Wrap(nodkind.ErrTransactionCritical, err, "index: CAS table head on rank %d slot %d", tableRank, tableSlot)
		}
		if observed == head {
			return nil
		}
		// Lost the race; retry with the freshly observed head.
	}
}

// Find walks the chain for (label,key), restarting from the head
// whenever it encounters a node mid-removal (next == self).
func (ix *Index) Find(ctx context.Context, label registry.Handle, key []byte) (value locator.Locator, incarnation uint32, found bool, err error) {
	hashed := mixHash(label, key)
	tableRank, tableSlot := ix.locateSlot(hashed)

	for {
		cur, err := ix.readTableHead(ctx, tableRank, tableSlot)
		if err != nil {
			return locator.Null, 0, false, err
		}
		restarted := false
		for !cur.IsNull() {
			slot, err := ix.readHeapSlot(ctx, cur)
			if err != nil {
				return locator.Null, 0, false, err
			}
			if slot.Next == cur {
				restarted = true
				break
			}
			if slot.Key == hashed {
				return slot.Value, slot.Incarnation, true, nil
			}
			cur = slot.Next
		}
		if restarted {
			continue
		}
		return locator.Null, 0, false, nil
	}
}

// findPredecessor locates the node whose Next currently points at
// target, or reports predIsTable=true if target is still the chain
// head. ok is false if target is no longer reachable at all (someone
// else finished unlinking it).
func (ix *Index) findPredecessor(ctx context.Context, tableRank int, tableSlot uint32, target locator.Locator) (predIsTable bool, predLoc locator.Locator, ok bool, err error) {
	head, err := ix.readTableHead(ctx, tableRank, tableSlot)
	if err != nil {
		return false, locator.Null, false, err
	}
	if head == target {
		return true, locator.Null, true, nil
	}
	cur := head
	for !cur.IsNull() {
		slot, err := ix.readHeapSlot(ctx, cur)
		if err != nil {
			return false, locator.Null, false, err
		}
		if slot.Next == target {
			return false, cur, true, nil
		}
		cur = slot.Next
	}
	return false, locator.Null, false, nil
}

// Remove marks the target node's Next field with the self-pointer
// technique, then retries the predecessor unlink
// (re-deriving the current predecessor each attempt, since a
// concurrent remove of the predecessor must not resurrect the target)
// until it succeeds or the target turns out already unlinked.
func (ix *Index) Remove(ctx context.Context, label registry.Handle, key []byte) error {
	hashed := mixHash(label, key)
	tableRank, tableSlot := ix.locateSlot(hashed)

	var target locator.Locator
	var oldNext locator.Locator
	found := false

	for attempt := 0; attempt < 64 && !found; attempt++ {
		cur, err := ix.readTableHead(ctx, tableRank, tableSlot)
		if err != nil {
			return err
		}
		restarted := false
		for !cur.IsNull() {
			slot, err := ix.readHeapSlot(ctx, cur)
			if err != nil {
				return err
			}
			if slot.Next == cur {
				restarted = true
				break
			}
			if slot.Key == hashed {
				observed, err := ix.casHeapNext(ctx, cur, slot.Next, cur)
				if err != nil {
					return err
				}
				if observed != slot.Next {
					restarted = true
					break
				}
				target, oldNext, found = cur, slot.Next, true
				break
			}
			cur = slot.Next
		}
		if restarted {
			continue
		}
		if !found {
			return nodkind.New(nodkind.ErrNoProperty, "index: key not found for label %d", label)
		}
	}
	if !found {
		return nodkind.New(nodkind.ErrTransactionCritical, "index: remove could not mark target node after retries")
	}

	for attempt := 0; attempt < 64; attempt++ {
		predIsTable, predLoc, ok, err := ix.findPredecessor(ctx, tableRank, tableSlot, target)
		if err != nil {
			return err
		}
		if !ok {
			break // already unlinked by a concurrent helper
		}
		var observed locator.Locator
		if predIsTable {
			observed, err = ix.casTableHead(ctx, tableRank, tableSlot, target, oldNext)
		} else {
			observed, err = ix.casHeapNext(ctx, predLoc, target, oldNext)
		}
		if err != nil {
			return err
		}
		if observed == target {
			break
		}
	}
	return ix.deallocHeap(ctx, target)
}
