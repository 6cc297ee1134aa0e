package block

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/rma/inproc"
	"github.com/stretchr/testify/require"
)

func newManagers(t *testing.T, n int, blocksPerPeer uint32) ([]*Manager, *inproc.Cluster) {
	t.Helper()
	cl := inproc.NewCluster(n)
	mgrs := make([]*Manager, n)
	for r := 0; r < n; r++ {
		f := inproc.NewFacade(cl, r)
		m, err := New(context.Background(), f, Config{BlockSizeBytes: 512, NumBlocksPerPeer: blocksPerPeer, Debug: true})
		require.NoError(t, err)
		require.NoError(t, m.InitLocal(context.Background()))
		mgrs[r] = m
	}
	return mgrs, cl
}

func TestAllocateThenDeallocateRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgrs, _ := newManagers(t, 1, 4)
	m := mgrs[0]

	loc, err := m.Allocate(ctx, 0)
	require.NoError(t, err)
	require.False(t, loc.IsNull())
	require.Equal(t, 0, loc.Rank())
	require.Equal(t, uint32(0), loc.Offset())

	require.NoError(t, m.Deallocate(ctx, loc))

	// Allocating again should hand back the block we just freed (LIFO
	// free list, single allocator, no concurrent contention).
	loc2, err := m.Allocate(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, loc, loc2)
}

func TestAllocateExhaustsLocalPeer(t *testing.T) {
	ctx := context.Background()
	mgrs, _ := newManagers(t, 1, 2)
	m := mgrs[0]

	l1, err := m.Allocate(ctx, 0)
	require.NoError(t, err)
	l2, err := m.Allocate(ctx, 0)
	require.NoError(t, err)
	require.NotEqual(t, l1, l2)

	_, err = m.Allocate(ctx, 0)
	require.Error(t, err)
	require.Equal(t, nodkind.ErrNoMemory, nodkind.KindOf(err))
}

// B1: allocating when the local peer is empty falls through to the next
// peer modulo N and succeeds if any peer has free blocks.
func TestAllocateFallsThroughToNextPeer(t *testing.T) {
	ctx := context.Background()
	mgrs, _ := newManagers(t, 3, 1)

	// Drain rank 0's single block.
	_, err := mgrs[0].Allocate(ctx, 0)
	require.NoError(t, err)

	// Preferring rank 0 again should fall through to rank 1.
	loc, err := mgrs[0].Allocate(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, loc.Rank())
}

// B2: creating a vertex when all peers are full returns ERROR_NO_MEMORY.
func TestAllocateAllPeersFull(t *testing.T) {
	ctx := context.Background()
	mgrs, _ := newManagers(t, 2, 1)

	_, err := mgrs[0].Allocate(ctx, 0)
	require.NoError(t, err)
	_, err = mgrs[0].Allocate(ctx, 1)
	require.NoError(t, err)

	_, err = mgrs[0].Allocate(ctx, 0)
	require.Error(t, err)
	require.Equal(t, nodkind.ErrNoMemory, nodkind.KindOf(err))
}

// P3: ABA safety — concurrent allocators never receive the same block.
func TestConcurrentAllocateNeverDoubleIssues(t *testing.T) {
	ctx := context.Background()
	const blocks = 200
	mgrs, _ := newManagers(t, 1, blocks)
	m := mgrs[0]

	results := make(chan locator.Locator, blocks)
	var wg sync.WaitGroup
	for i := 0; i < blocks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loc, err := m.Allocate(ctx, 0)
			require.NoError(t, err)
			results <- loc
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[locator.Locator]bool)
	for loc := range results {
		require.False(t, seen[loc], "block %v issued twice", loc)
		seen[loc] = true
	}
	require.Len(t, seen, blocks)

	_, err := m.Allocate(ctx, 0)
	require.Error(t, err, "pool should be fully drained")
}

func TestReadWriteBlock(t *testing.T) {
	ctx := context.Background()
	mgrs, _ := newManagers(t, 1, 1)
	m := mgrs[0]

	loc, err := m.Allocate(ctx, 0)
	require.NoError(t, err)

	payload := make([]byte, 512)
	copy(payload, "vertex-bytes")
	require.NoError(t, m.WriteBlock(ctx, loc, payload))

	got := make([]byte, 512)
	require.NoError(t, m.ReadBlock(ctx, loc, got))
	require.Equal(t, payload, got)
}
