package vertex

import (
	"context"
	"testing"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/nod/block"
	"github.com/cuemby/nod/internal/nod/edge"
	"github.com/cuemby/nod/internal/nod/property"
	"github.com/cuemby/nod/internal/nod/segment"
	"github.com/cuemby/nod/internal/registry"
	"github.com/cuemby/nod/rma/inproc"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, blockSize, numBlocks uint32) *block.Manager {
	t.Helper()
	cl := inproc.NewCluster(1)
	f := inproc.NewFacade(cl, 0)
	bm, err := block.New(context.Background(), f, block.Config{BlockSizeBytes: blockSize, NumBlocksPerPeer: numBlocks})
	require.NoError(t, err)
	require.NoError(t, bm.InitLocal(context.Background()))
	return bm
}

func TestNewForCreateIsWriteLockedAndEmpty(t *testing.T) {
	h := NewForCreate(locator.Pack(0, 0), 0)
	require.True(t, h.Created)
	require.True(t, h.Written)
	require.Equal(t, LockWrite, h.Lock)
	require.Equal(t, 0, h.Props.NumProperties())
	require.Equal(t, 0, h.Edges.Count())
}

func TestFetchRoundTripSingleBlock(t *testing.T) {
	ctx := context.Background()
	bm := newManager(t, 256, 8)

	primary, err := bm.Allocate(ctx, 0)
	require.NoError(t, err)

	h := NewForCreate(primary, 0)
	require.NoError(t, h.Props.AddLabel(registry.Handle(2)))
	require.NoError(t, h.Props.SetID([]byte("key-1")))
	h.Edges.Add(edge.OrientOutgoing, locator.Pack(0, 256), 7)

	numBlocks := h.RequiredBlocks(bm.BlockSize())
	require.Equal(t, uint32(1), numBlocks)
	stream := h.Encode(numBlocks, nil)
	require.NoError(t, bm.WriteBlock(ctx, primary, stream))

	reloaded, err := Fetch(ctx, bm, primary, 0)
	require.NoError(t, err)
	require.Equal(t, LockRead, reloaded.Lock)
	require.Equal(t, []locator.Locator{primary}, reloaded.Blocks)
	require.True(t, reloaded.Props.HasLabel(2))
	id, ok := reloaded.Props.ID()
	require.True(t, ok)
	require.Equal(t, []byte("key-1"), id)
	require.Equal(t, 1, reloaded.Edges.Count())
}

func TestFetchRoundTripMultiBlock(t *testing.T) {
	ctx := context.Background()
	const blockSize = 64
	bm := newManager(t, blockSize, 16)

	primary, err := bm.Allocate(ctx, 0)
	require.NoError(t, err)

	h := NewForCreate(primary, 0)
	require.NoError(t, h.Props.SetID([]byte("multi-block-vertex")))
	// Force the property list well past one block's capacity.
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Props.Add(byte(registry.FirstHandle), []byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)}, property.DupRefuseIfExactValue))
	}

	numBlocks := h.RequiredBlocks(blockSize)
	require.Greater(t, numBlocks, uint32(1))

	overflow := make([]locator.Locator, numBlocks-1)
	for i := range overflow {
		loc, err := bm.Allocate(ctx, 0)
		require.NoError(t, err)
		overflow[i] = loc
	}

	stream := h.Encode(numBlocks, overflow)
	blocks, err := segment.SplitIntoBlocks(stream, int(numBlocks), blockSize)
	require.NoError(t, err)

	require.NoError(t, bm.WriteBlock(ctx, primary, blocks[0]))
	for i, loc := range overflow {
		require.NoError(t, bm.WriteBlock(ctx, loc, blocks[i+1]))
	}

	reloaded, err := Fetch(ctx, bm, primary, 0)
	require.NoError(t, err)
	require.Equal(t, int(numBlocks), len(reloaded.Blocks))
	require.Equal(t, overflow, reloaded.Blocks[1:])
	id, ok := reloaded.Props.ID()
	require.True(t, ok)
	require.Equal(t, []byte("multi-block-vertex"), id)
	require.Equal(t, 10, reloaded.Props.NumProperties())
}

func TestTotalBytesMatchesEncodedLength(t *testing.T) {
	h := NewForCreate(locator.Pack(0, 0), 0)
	require.NoError(t, h.Props.SetID([]byte("abc")))
	n := h.RequiredBlocks(128)
	stream := h.Encode(n, nil)
	require.Equal(t, h.TotalBytes(n), uint64(len(stream)))
}
