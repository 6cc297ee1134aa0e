// Package block implements the distributed block allocator: a
// fixed-size block pool per peer with a distributed, ABA-safe free list
// built on one-sided RMA atomics.
package block

import (
	"context"
	"fmt"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/internal/nodlog"
	"github.com/cuemby/nod/rma"
)

// Inuse is the sentinel usage-table value meaning "this block is owned
// by a vertex segment, not on the free list".
const Inuse uint32 = 1<<32 - 2

// NullIdx is the usage-table / free-list-head value meaning "no next
// block": the free list's tail.
const NullIdx uint32 = 1<<32 - 1

// Config sizes a Manager's four per-peer windows.
type Config struct {
	BlockSizeBytes   uint32
	NumBlocksPerPeer uint32
	// Debug enables the double-free canary: on every successful
	// Allocate, the popped slot's usage entry is overwritten with Inuse
	// and Deallocate refuses (ErrState) a block whose usage entry is not
	// Inuse, so a double free is reported rather than silently corrupting
	// the free list. Expensive enough (one extra Put per Allocate, one
	// extra Get per Deallocate) that it is opt-in.
	Debug bool
}

// Manager is one peer's handle onto the cluster-wide block allocator. A
// Manager is only ever used by the rank it was constructed for: it
// issues RMA ops against any rank's windows, but owns no state for other
// ranks beyond what is visible through the Facade.
type Manager struct {
	facade rma.Facade
	cfg    Config

	blocks    rma.Window
	usage     rma.Window
	system    rma.Window
	lockWords rma.Window
}

// New allocates (or attaches to, for inproc, where the windows are
// shared cluster-wide state) the four windows the allocator needs (blocks,
// usage table, free-list head, vertex lock words), and
// returns a Manager bound to facade's own rank.
func New(ctx context.Context, facade rma.Facade, cfg Config) (*Manager, error) {
	if cfg.BlockSizeBytes == 0 || cfg.NumBlocksPerPeer == 0 {
		return nil, nodkind.New(nodkind.ErrDatabase, "block: BlockSizeBytes and NumBlocksPerPeer must be positive")
	}
	if uint64(cfg.NumBlocksPerPeer) >= uint64(Inuse) {
		return nil, nodkind.New(nodkind.ErrDatabase, "block: NumBlocksPerPeer %d must be < INUSE sentinel", cfg.NumBlocksPerPeer)
	}
	if cfg.BlockSizeBytes < 24+8 {
		return nil, nodkind.New(nodkind.ErrDatabase, "block: BlockSizeBytes %d must hold the 24-byte header plus one 8-byte overflow locator", cfg.BlockSizeBytes)
	}

	blocks, err := facade.AllocateWindow(ctx, rma.WindowBlocks, uint64(cfg.NumBlocksPerPeer)*uint64(cfg.BlockSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("block: allocate blocks window: %w", err)
	}
	usage, err := facade.AllocateWindow(ctx, rma.WindowUsage, uint64(cfg.NumBlocksPerPeer)*4)
	if err != nil {
		return nil, fmt.Errorf("block: allocate usage window: %w", err)
	}
	system, err := facade.AllocateWindow(ctx, rma.WindowSystem, 8)
	if err != nil {
		return nil, fmt.Errorf("block: allocate system window: %w", err)
	}
	lockWords, err := facade.AllocateWindow(ctx, rma.WindowLock, uint64(cfg.NumBlocksPerPeer)*8)
	if err != nil {
		return nil, fmt.Errorf("block: allocate vertex-lock window: %w", err)
	}

	return &Manager{facade: facade, cfg: cfg, blocks: blocks, usage: usage, system: system, lockWords: lockWords}, nil
}

// BlockSize returns the configured per-block size in bytes.
func (m *Manager) BlockSize() uint32 { return m.cfg.BlockSizeBytes }

// Rank returns the rank this Manager operates as.
func (m *Manager) Rank() int { return m.facade.Group().Rank() }

// PeerCount returns the number of peers in the cluster.
func (m *Manager) PeerCount() int { return m.facade.Group().Size() }

// InitLocal initializes this rank's own usage table and free-list head:
// usage[i] = i+1 for every block but the last, usage[last] = NullIdx,
// and the system head is {tag:0, idx:0}. Every peer calls InitLocal for
// itself at database startup; no collective coordination is required
// because each rank only ever touches its own windows here.
func (m *Manager) InitLocal(ctx context.Context) error {
	n := m.cfg.NumBlocksPerPeer
	rank := m.Rank()
	buf := make([]byte, 4)
	for i := uint32(0); i < n; i++ {
		next := i + 1
		if i == n-1 {
			next = NullIdx
		}
		putU32(buf, next)
		if err := m.facade.Put(ctx, m.usage, rank, uint64(i)*4, buf); err != nil {
			return fmt.Errorf("block: init usage[%d]: %w", i, err)
		}
	}
	head := packHead(0, 0)
	hbuf := make([]byte, 8)
	putU64(hbuf, head)
	if err := m.facade.Put(ctx, m.system, rank, 0, hbuf); err != nil {
		return fmt.Errorf("block: init system head: %w", err)
	}

	zero := make([]byte, 8)
	for i := uint32(0); i < n; i++ {
		if err := m.facade.Put(ctx, m.lockWords, rank, uint64(i)*8, zero); err != nil {
			return fmt.Errorf("block: init lock word[%d]: %w", i, err)
		}
	}
	return nil
}

func packHead(tag, idx uint32) uint64 { return uint64(tag)<<32 | uint64(idx) }
func unpackHead(h uint64) (tag, idx uint32) {
	return uint32(h >> 32), uint32(h)
}

// Allocate pops a free block, preferring preferRank and falling through
// to (preferRank+1) mod N, ... on exhaustion (boundary behavior B1). It
// returns locator.Null, nodkind.ErrNoMemory if every peer is exhausted
// (B2).
func (m *Manager) Allocate(ctx context.Context, preferRank int) (locator.Locator, error) {
	n := m.PeerCount()
	rank := preferRank % n
	if rank < 0 {
		rank += n
	}
	tried := 0
	log := nodlog.WithComponent("block")

	for {
		head, err := m.readHead(ctx, rank)
		if err != nil {
			return locator.Null, err
		}
		tag, idx := unpackHead(head)
		if idx == NullIdx {
			tried++
			if tried > n {
				return locator.Null, nodkind.New(nodkind.ErrNoMemory, "block: all %d peers exhausted", n)
			}
			rank = (rank + 1) % n
			continue
		}

		next, err := m.readUsage(ctx, rank, idx)
		if err != nil {
			return locator.Null, err
		}

		newHead := packHead(tag+1, next)
		observed, err := m.facade.CompareAndSwapU64(ctx, m.system, rank, 0, head, newHead)
		if err != nil {
			return locator.Null, nodkind.Wrap(nodkind.ErrTransactionCritical, err, "block: CAS free-list head on rank %d", rank)
		}
		if observed != head {
			// Lost the race; retry from the freshly observed head.
			continue
		}

		if m.cfg.Debug {
			buf := make([]byte, 4)
			putU32(buf, Inuse)
			if err := m.facade.Put(ctx, m.usage, rank, uint64(idx)*4, buf); err != nil {
				return locator.Null, err
			}
		}
		log.Debug().Int("rank", rank).Uint32("idx", idx).Msg("allocated block")
		return locator.Pack(rank, idx*m.cfg.BlockSizeBytes), nil
	}
}

// Deallocate pushes loc's block back onto its owning rank's free list.
func (m *Manager) Deallocate(ctx context.Context, loc locator.Locator) error {
	if loc.IsNull() {
		return nodkind.New(nodkind.ErrVertex, "block: cannot deallocate NULL locator")
	}
	rank, offset := loc.Unpack()
	idx := offset / m.cfg.BlockSizeBytes

	if m.cfg.Debug {
		cur, err := m.readUsage(ctx, rank, idx)
		if err != nil {
			return err
		}
		if cur != Inuse {
			return nodkind.New(nodkind.ErrState, "block: double free of %v (usage[%d] is not INUSE)", loc, idx)
		}
	}

	for {
		head, err := m.readHead(ctx, rank)
		if err != nil {
			return err
		}
		tag, curIdx := unpackHead(head)

		buf := make([]byte, 4)
		putU32(buf, curIdx)
		if err := m.facade.Put(ctx, m.usage, rank, uint64(idx)*4, buf); err != nil {
			return fmt.Errorf("block: link usage[%d]=%d: %w", idx, curIdx, err)
		}

		newHead := packHead(tag+1, idx)
		observed, err := m.facade.CompareAndSwapU64(ctx, m.system, rank, 0, head, newHead)
		if err != nil {
			return nodkind.Wrap(nodkind.ErrTransactionCritical, err, "block: CAS free-list head on rank %d", rank)
		}
		if observed != head {
			continue
		}
		nodlog.WithComponent("block").Debug().Int("rank", rank).Uint32("idx", idx).Msg("deallocated block")
		return nil
	}
}

// ReadBlock copies the raw bytes of the block at loc into dst, which
// must have length <= BlockSize().
func (m *Manager) ReadBlock(ctx context.Context, loc locator.Locator, dst []byte) error {
	rank, offset := loc.Unpack()
	return m.facade.Get(ctx, m.blocks, rank, uint64(offset), dst)
}

// WriteBlock writes src (length <= BlockSize()) into the block at loc.
func (m *Manager) WriteBlock(ctx context.Context, loc locator.Locator, src []byte) error {
	rank, offset := loc.Unpack()
	return m.facade.Put(ctx, m.blocks, rank, uint64(offset), src)
}

// SystemWindow exposes the free-list head window.
func (m *Manager) SystemWindow() rma.Window { return m.system }

// LockWindow exposes the per-block vertex-lock-word window; the vlock
// package addresses one 8-byte slot per block index within it.
func (m *Manager) LockWindow() rma.Window { return m.lockWords }

// Facade exposes the underlying Facade for packages (vlock, index) that
// need direct RMA access alongside the allocator.
func (m *Manager) Facade() rma.Facade { return m.facade }

func (m *Manager) readHead(ctx context.Context, rank int) (uint64, error) {
	v, err := m.facade.FetchAndAddU64(ctx, m.system, rank, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("block: read free-list head on rank %d: %w", rank, err)
	}
	return v, nil
}

func (m *Manager) readUsage(ctx context.Context, rank int, idx uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := m.facade.Get(ctx, m.usage, rank, uint64(idx)*4, buf); err != nil {
		return 0, fmt.Errorf("block: read usage[%d] on rank %d: %w", idx, rank, err)
	}
	return getU32(buf), nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
