package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct {
		rank   int
		offset uint32
	}{
		{0, 0},
		{1, 512},
		{7, 1<<20 - 512},
		{255, 0xFFFFFFFE &^ 511},
	}
	for _, c := range cases {
		l := Pack(c.rank, c.offset)
		gotRank, gotOffset := l.Unpack()
		assert.Equal(t, c.rank, gotRank)
		assert.Equal(t, c.offset, gotOffset)
	}
}

func TestNullIsAllOnes(t *testing.T) {
	require.True(t, Null.IsNull())
	require.Equal(t, Locator(^uint64(0)), Null)
}

func TestZeroValueIsNotNull(t *testing.T) {
	var l Locator
	require.False(t, l.IsNull())
	require.Equal(t, 0, l.Rank())
	require.Equal(t, uint32(0), l.Offset())
}

func TestBlockIndex(t *testing.T) {
	l := Pack(3, 1536)
	require.Equal(t, uint32(3), l.BlockIndex(512))
}

func TestStringDoesNotPanicOnNull(t *testing.T) {
	require.Equal(t, "loc(NULL)", Null.String())
	require.Contains(t, Pack(2, 1024).String(), "rank=2")
}
