/*
Package rma defines the one-sided remote-memory-access capability the NOD
core is built on: typed window handles plus get/put/atomic/flush/lock-all
operations against memory owned by a remote peer, performed entirely by
the initiator. No remote CPU thread services these requests.

# Why a façade

Every package under internal/nod (the block manager, the vertex lock, the
distributed index, the transaction engine) is written against the Facade
interface defined here, never against a concrete transport. The RMA layer
is treated as an external, assumed capability: the hard engineering
center is the block allocator, the lock, the on-block layout, the
transaction lifecycle, and the index, not the wire protocol that moves
bytes between peers.

Two concrete implementations are provided so the module is runnable end
to end without a real MPI-style one-sided-communication runtime:

  - rma/inproc: peers are goroutines in a single process; windows are
    plain byte slices, one per rank, and every operation on a rank's
    slice (including the "remote" atomics) runs under that slice's
    mutex. This is the default for tests and for running a full
    N-peer cluster inside one binary.
  - rma/grpcpeer: peers are separate OS processes talking gRPC.

# Completion model

All operations are non-blocking-completion by default: the call returns
once the operation has been issued, and completion is only guaranteed
after a Flush/FlushLocal/FlushAll call on the same window. CompareAndSwap
and FetchAndOp are the exception: since they are used as synchronization
primitives, their result is available as soon as the call returns.
*/
package rma

import "context"

// WindowKind names the windows the core allocates. Window layout
// (element size, count) is chosen by the caller at Allocate time; the
// kind is the window's identity: both implementations return the
// existing window when AllocateWindow is called again with the same kind.
type WindowKind string

const (
	WindowBlocks WindowKind = "blocks"
	WindowUsage  WindowKind = "usage"
	WindowSystem WindowKind = "system"
	WindowTable  WindowKind = "index_table"
	WindowHeap   WindowKind = "index_heap"
	WindowFree   WindowKind = "index_free"
	// WindowLock holds one 64-bit vertex-lock word per block index, kept
	// distinct from WindowSystem (the allocator's single free-list-head
	// scalar) even though both windows conceptually live in the same
	// "system" metadata area; see DESIGN.md for why a per-block lock-word
	// array is separated out rather than overloading the single-scalar
	// free-list head.
	WindowLock WindowKind = "vertex_lock"
)

// Window is a typed handle to a region of memory replicated across every
// peer in the Group, with per-peer extents all of the same byte size.
// Operations address a Window plus a target rank plus a byte offset
// within that rank's extent.
type Window interface {
	// Kind is the kind this window was allocated under.
	Kind() WindowKind
	// ElemBytesPerPeer is the number of bytes allocated to each peer in
	// this window.
	ElemBytesPerPeer() uint64
}

// Group is a process-group abstraction: the set of peers participating
// in a database instance, plus the two collective operations the core
// needs (Barrier for collective-transaction open/close, Allreduce for
// close_collective's unanimity check).
type Group interface {
	// Rank is this process's own rank within the group.
	Rank() int
	// Size is the number of peers in the group.
	Size() int
	// Barrier blocks until every peer in the group has called Barrier.
	Barrier(ctx context.Context) error
	// Allreduce combines a local bool (true == "I vote commit") across
	// all peers with a logical AND and returns the combined result to
	// every peer.
	Allreduce(ctx context.Context, vote bool) (bool, error)
}

// Facade is the one-sided operation set every core package is built
// against. All byte-addressed operations take (w, rank, offset) where
// offset is relative to the start of rank's extent within w.
type Facade interface {
	Group() Group

	// AllocateWindow creates (or, for inproc, looks up) a window of the
	// given kind with bytesPerPeer bytes reserved on every rank. Called
	// once per window at database init.
	AllocateWindow(ctx context.Context, kind WindowKind, bytesPerPeer uint64) (Window, error)

	// Get copies len(dst) bytes from (w, rank, offset) into dst.
	Get(ctx context.Context, w Window, rank int, offset uint64, dst []byte) error
	// Put copies src into (w, rank, offset).
	Put(ctx context.Context, w Window, rank int, offset uint64, src []byte) error

	// FetchAndAddU32 atomically adds delta to the u32 at (w, rank,
	// offset) and returns the pre-addition value. delta may be negative
	// (passed as its two's-complement bit pattern by the caller, e.g.
	// via -1 wrapping to 0xFFFFFFFF) to implement subtraction.
	FetchAndAddU32(ctx context.Context, w Window, rank int, offset uint64, delta uint32) (uint32, error)
	// FetchAndAddU64 is the 64-bit analogue, used for the vertex lock
	// word and the index free-slot counter.
	FetchAndAddU64(ctx context.Context, w Window, rank int, offset uint64, delta uint64) (uint64, error)

	// CompareAndSwapU64 atomically sets the u64 at (w, rank, offset) to
	// newVal iff its current value equals old, returning the value
	// observed immediately before the attempt (equal to old on success).
	CompareAndSwapU64(ctx context.Context, w Window, rank int, offset uint64, old, newVal uint64) (uint64, error)

	// Flush blocks until all operations this initiator issued against w
	// targeting rank have completed.
	Flush(ctx context.Context, w Window, rank int) error
	// FlushLocal blocks until locally-issued operations against w are
	// visible to this initiator (weaker than Flush).
	FlushLocal(ctx context.Context, w Window) error
	// FlushAll blocks until every operation this initiator has issued
	// against any window, to any rank, has completed.
	FlushAll(ctx context.Context) error

	// LockAll/UnlockAll bracket a region of operations that must not be
	// interleaved with another initiator's access to the same windows.
	// No package under internal/nod calls them: vertex access, including
	// the commit path's segment writes, relies on the vertex lock.
	LockAll(ctx context.Context, w Window) error
	UnlockAll(ctx context.Context, w Window) error

	// Close releases local resources (connections, goroutines) held by
	// this Facade. It does not affect other peers.
	Close() error
}
