/*
Package inproc is the default rma.Facade implementation: every peer is a
goroutine in the same process and "remote" memory is a plain byte buffer
guarded by a per-(window,rank) mutex. It exists so the NOD core (the
block manager, vertex lock, distributed index, and transaction engine)
can be exercised by ordinary Go tests without a real one-sided-RMA
runtime.

Every operation funnels through a mutex rather than reproducing the
lock-free, hardware-atomic characteristics of real RMA hardware. That is
a deliberate simplification: what the core's tests need to verify is the
*protocol* built on top of get/put/CAS/fetch-and-add, not whether this
particular simulator is itself lock-free.
*/
package inproc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/nod/rma"
)

// Cluster is the shared state backing every peer's Facade. Create one
// Cluster per simulated database instance and one Facade per rank via
// NewFacade.
type Cluster struct {
	size int

	mu      sync.Mutex
	windows map[rma.WindowKind]*window

	bmu      sync.Mutex
	bcond    *sync.Cond
	bcount   int
	bgen     int
	votes      []bool
	votesSet   []bool
	lastResult bool
}

// NewCluster allocates the shared state for an N-peer in-process cluster.
func NewCluster(n int) *Cluster {
	if n <= 0 {
		panic("inproc: cluster size must be positive")
	}
	c := &Cluster{
		size:     n,
		windows:  make(map[rma.WindowKind]*window),
		votes:    make([]bool, n),
		votesSet: make([]bool, n),
	}
	c.bcond = sync.NewCond(&c.bmu)
	return c
}

// Size returns the number of simulated peers.
func (c *Cluster) Size() int { return c.size }

type rankBuf struct {
	mu   sync.Mutex
	data []byte
}

type window struct {
	kind         rma.WindowKind
	bytesPerPeer uint64
	perRank      []*rankBuf
	fullMu       sync.Mutex
}

func (w *window) Kind() rma.WindowKind        { return w.kind }
func (w *window) ElemBytesPerPeer() uint64    { return w.bytesPerPeer }
func (w *window) rankBuffer(rank int) *rankBuf { return w.perRank[rank] }

// Facade is one peer's view of the Cluster, bound to a fixed rank.
type Facade struct {
	cluster *Cluster
	rank    int
}

// NewFacade returns a Facade for rank, sharing cluster with every other
// peer created against the same Cluster.
func NewFacade(cluster *Cluster, rank int) *Facade {
	if rank < 0 || rank >= cluster.size {
		panic(fmt.Sprintf("inproc: rank %d out of range [0,%d)", rank, cluster.size))
	}
	return &Facade{cluster: cluster, rank: rank}
}

func (f *Facade) Group() rma.Group { return (*groupView)(f) }

func (f *Facade) AllocateWindow(_ context.Context, kind rma.WindowKind, bytesPerPeer uint64) (rma.Window, error) {
	c := f.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[kind]; ok {
		if w.bytesPerPeer != bytesPerPeer {
			return nil, fmt.Errorf("inproc: window %s already allocated with %d bytes/peer, requested %d", kind, w.bytesPerPeer, bytesPerPeer)
		}
		return w, nil
	}
	w := &window{
		kind:         kind,
		bytesPerPeer: bytesPerPeer,
		perRank:      make([]*rankBuf, c.size),
	}
	for i := range w.perRank {
		w.perRank[i] = &rankBuf{data: make([]byte, bytesPerPeer)}
	}
	c.windows[kind] = w
	return w, nil
}

func asWindow(w rma.Window) *window {
	win, ok := w.(*window)
	if !ok {
		panic("inproc: foreign rma.Window passed to inproc.Facade")
	}
	return win
}

func (f *Facade) Get(_ context.Context, w rma.Window, rank int, offset uint64, dst []byte) error {
	rb := asWindow(w).rankBuffer(rank)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if offset+uint64(len(dst)) > uint64(len(rb.data)) {
		return fmt.Errorf("inproc: Get out of range: offset=%d len=%d cap=%d", offset, len(dst), len(rb.data))
	}
	copy(dst, rb.data[offset:offset+uint64(len(dst))])
	return nil
}

func (f *Facade) Put(_ context.Context, w rma.Window, rank int, offset uint64, src []byte) error {
	rb := asWindow(w).rankBuffer(rank)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if offset+uint64(len(src)) > uint64(len(rb.data)) {
		return fmt.Errorf("inproc: Put out of range: offset=%d len=%d cap=%d", offset, len(src), len(rb.data))
	}
	copy(rb.data[offset:offset+uint64(len(src))], src)
	return nil
}

func (f *Facade) FetchAndAddU32(_ context.Context, w rma.Window, rank int, offset uint64, delta uint32) (uint32, error) {
	rb := asWindow(w).rankBuffer(rank)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if offset+4 > uint64(len(rb.data)) {
		return 0, fmt.Errorf("inproc: FetchAndAddU32 out of range: offset=%d cap=%d", offset, len(rb.data))
	}
	old := binary.LittleEndian.Uint32(rb.data[offset:])
	binary.LittleEndian.PutUint32(rb.data[offset:], old+delta)
	return old, nil
}

func (f *Facade) FetchAndAddU64(_ context.Context, w rma.Window, rank int, offset uint64, delta uint64) (uint64, error) {
	rb := asWindow(w).rankBuffer(rank)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if offset+8 > uint64(len(rb.data)) {
		return 0, fmt.Errorf("inproc: FetchAndAddU64 out of range: offset=%d cap=%d", offset, len(rb.data))
	}
	old := binary.LittleEndian.Uint64(rb.data[offset:])
	binary.LittleEndian.PutUint64(rb.data[offset:], old+delta)
	return old, nil
}

func (f *Facade) CompareAndSwapU64(_ context.Context, w rma.Window, rank int, offset uint64, old, newVal uint64) (uint64, error) {
	rb := asWindow(w).rankBuffer(rank)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if offset+8 > uint64(len(rb.data)) {
		return 0, fmt.Errorf("inproc: CompareAndSwapU64 out of range: offset=%d cap=%d", offset, len(rb.data))
	}
	cur := binary.LittleEndian.Uint64(rb.data[offset:])
	if cur == old {
		binary.LittleEndian.PutUint64(rb.data[offset:], newVal)
	}
	return cur, nil
}

func (f *Facade) Flush(_ context.Context, _ rma.Window, _ int) error { return nil }
func (f *Facade) FlushLocal(_ context.Context, _ rma.Window) error   { return nil }
func (f *Facade) FlushAll(_ context.Context) error                  { return nil }

func (f *Facade) LockAll(_ context.Context, w rma.Window) error {
	asWindow(w).fullMu.Lock()
	return nil
}

func (f *Facade) UnlockAll(_ context.Context, w rma.Window) error {
	asWindow(w).fullMu.Unlock()
	return nil
}

func (f *Facade) Close() error { return nil }

// groupView adapts *Facade to rma.Group without exposing the Group
// methods on Facade's own method set (keeps `Facade.Group()` the single
// point of entry, matching the interface shape).
type groupView Facade

func (g *groupView) Rank() int { return g.rank }
func (g *groupView) Size() int { return g.cluster.size }

func (g *groupView) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := g.cluster
	c.bmu.Lock()
	defer c.bmu.Unlock()
	gen := c.bgen
	c.bcount++
	if c.bcount == c.size {
		c.bcount = 0
		c.bgen++
		c.bcond.Broadcast()
		return nil
	}
	for gen == c.bgen {
		c.bcond.Wait()
	}
	return nil
}

// Allreduce combines every peer's vote with logical AND and hands the
// combined result back to all of them, using the same generation-counted
// rendezvous as Barrier.
func (g *groupView) Allreduce(ctx context.Context, vote bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c := g.cluster
	c.bmu.Lock()
	defer c.bmu.Unlock()
	gen := c.bgen
	c.votes[g.rank] = vote
	c.votesSet[g.rank] = true
	c.bcount++
	if c.bcount == c.size {
		result := true
		for _, v := range c.votes {
			result = result && v
		}
		for i := range c.votesSet {
			c.votesSet[i] = false
		}
		c.bcount = 0
		c.bgen++
		c.lastResult = result
		c.bcond.Broadcast()
		return result, nil
	}
	for gen == c.bgen {
		c.bcond.Wait()
	}
	return c.lastResult, nil
}
