package edge

import (
	"testing"

	"github.com/cuemby/nod/internal/locator"
	"github.com/cuemby/nod/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestAddGrowsAcrossBlocksAndZeroesNewBlock(t *testing.T) {
	tbl := NewEmpty()
	var offsets []int
	for i := 0; i < 20; i++ {
		off := tbl.Add(OrientOutgoing, locator.Pack(0, uint32(i)), registry.Handle(i%5))
		offsets = append(offsets, off)
	}
	require.Equal(t, 20, tbl.Count())
	for i, off := range offsets {
		require.True(t, tbl.Live(off))
		peer, label := tbl.Peer(off)
		require.Equal(t, locator.Pack(0, uint32(i)), peer)
		require.Equal(t, registry.Handle(i%5), label)
	}
	// buffer must always be a whole number of 10-slot (80-byte) edge blocks
	require.Equal(t, 0, len(tbl.Bytes())%edgeBlockBytes)
	// slots past the high-water mark in the grown blocks are zeroed
	for i := tbl.Count(); i < tbl.capSlots(); i++ {
		require.Equal(t, byte(0), tbl.meta(i))
	}
}

func TestRemoveDoesNotCompact(t *testing.T) {
	tbl := NewEmpty()
	a := tbl.Add(OrientOutgoing, locator.Pack(0, 1), 1)
	b := tbl.Add(OrientOutgoing, locator.Pack(0, 2), 2)
	tbl.Remove(a)
	require.False(t, tbl.Live(a))
	require.True(t, tbl.Live(b))
	require.Equal(t, 2, tbl.Count(), "remove must not shift later offsets")
}

// P7: edge symmetry — find locates the partner-side slot by
// orientation+peer+label.
func TestFindLocatesPartnerSlot(t *testing.T) {
	tbl := NewEmpty()
	tbl.Add(OrientOutgoing, locator.Pack(1, 10), 3)
	target := locator.Pack(2, 20)
	want := tbl.Add(OrientIncoming, target, 4)
	tbl.Add(OrientOutgoing, locator.Pack(3, 30), 4)

	got, ok := tbl.Find(OrientIncoming, target, 4)
	require.True(t, ok)
	require.Equal(t, want, got)

	_, ok = tbl.Find(OrientOutgoing, target, 4)
	require.False(t, ok, "orientation mismatch must not match")
}

func TestFilterByOrientationAndLabelPolicy(t *testing.T) {
	tbl := NewEmpty()
	o1 := tbl.Add(OrientOutgoing, locator.Pack(0, 1), 1)
	_ = tbl.Add(OrientIncoming, locator.Pack(0, 2), 2)
	o3 := tbl.Add(OrientOutgoing, locator.Pack(0, 3), 2)

	out := tbl.Filter(OrientOutgoing, LabelPolicyNone, nil)
	require.ElementsMatch(t, []int{o1, o3}, out)

	out = tbl.Filter(OrientEither, LabelPolicyWhitelist, []registry.Handle{2})
	require.ElementsMatch(t, []int{o3, 1}, out) // offset 1 is the incoming label-2 entry

	out = tbl.Filter(OrientEither, LabelPolicyBlacklist, []registry.Handle{2})
	require.ElementsMatch(t, []int{o1}, out)

	require.Equal(t, 2, tbl.Count(OrientOutgoing, LabelPolicyNone, nil))
}

// Shrink compacts live entries to the front and reports moves so a
// caller can patch cross-endpoint offset references.
func TestShrinkCompactsAndReportsMoves(t *testing.T) {
	tbl := NewEmpty()
	for i := 0; i < 6; i++ {
		tbl.Add(OrientOutgoing, locator.Pack(0, uint32(i)), registry.Handle(i))
	}
	tbl.Remove(1)
	tbl.Remove(3)

	moves := tbl.Shrink()
	require.Equal(t, 4, tbl.Count())

	moved := map[int]int{}
	for _, m := range moves {
		moved[m.From] = m.To
	}
	// entry 5 (last live, would have moved to fill hole at 1) and entry 4
	// (would fill hole at 3) are the only two that can have relocated.
	for from, to := range moved {
		require.Less(t, to, from)
	}
	for i := 0; i < tbl.Count(); i++ {
		require.True(t, tbl.Live(i))
	}
	require.LessOrEqual(t, len(tbl.Bytes()), edgeBlockBytes) // 4 live entries fit in one block
}

func TestShrinkNoHolesIsNoop(t *testing.T) {
	tbl := NewEmpty()
	tbl.Add(OrientOutgoing, locator.Pack(0, 1), 1)
	tbl.Add(OrientOutgoing, locator.Pack(0, 2), 2)
	moves := tbl.Shrink()
	require.Empty(t, moves)
	require.Equal(t, 2, tbl.Count())
}

func TestShrinkAllRemovedYieldsEmptyTable(t *testing.T) {
	tbl := NewEmpty()
	a := tbl.Add(OrientOutgoing, locator.Pack(0, 1), 1)
	b := tbl.Add(OrientOutgoing, locator.Pack(0, 2), 2)
	tbl.Remove(a)
	tbl.Remove(b)
	tbl.Shrink()
	require.Equal(t, 0, tbl.Count())
	require.Equal(t, 0, len(tbl.Bytes()))
}

func TestFromBytesRoundTrip(t *testing.T) {
	tbl := NewEmpty()
	tbl.Add(OrientOutgoing, locator.Pack(1, 5), 7)
	raw := append([]byte(nil), tbl.Bytes()...)

	reloaded := FromBytes(raw, tbl.Count())
	require.True(t, reloaded.Live(0))
	peer, label := reloaded.Peer(0)
	require.Equal(t, locator.Pack(1, 5), peer)
	require.Equal(t, registry.Handle(7), label)
}
