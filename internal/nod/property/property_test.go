package property

import (
	"testing"

	"github.com/cuemby/nod/internal/nodkind"
	"github.com/cuemby/nod/internal/registry"
	"github.com/stretchr/testify/require"
)

// verifyInvariant recomputes unused_bytes by a fresh scan and checks it
// against List.UnusedBytes() — since both are scan-based in this
// implementation this mostly guards against an inconsistent buffer
// (e.g. a hole whose size field overruns the terminator) rather than
// incremental-counter drift, but it also pins down P6 as an explicit,
// always-checked property throughout the test suite.
func verifyInvariant(t *testing.T, l *List) {
	t.Helper()
	require.Equal(t, len(l.buf), int(l.PropertyBytes()))
	// The buffer must always end in exactly one LAST record.
	last := l.findLast()
	require.Equal(t, byte(HandleLast), l.buf[last.pos])
	require.Equal(t, len(l.buf), last.pos+headerLen)
	var unused uint64
	for pos := 0; ; {
		r := l.recordAt(pos)
		if r.handle == HandleLast {
			break
		}
		if r.handle == HandleEmpty {
			unused += uint64(r.span())
		}
		pos += r.span()
	}
	require.Equal(t, unused, l.UnusedBytes())
}

func TestNewEmptyIsJustTerminator(t *testing.T) {
	l := NewEmpty()
	verifyInvariant(t, l)
	require.Equal(t, uint64(0), l.UnusedBytes())
	require.Equal(t, uint64(5), l.PropertyBytes())
}

// R1: add then remove restores the list to having zero live records and
// reclaims the hole once it borders LAST.
func TestAddThenRemoveRoundTrip(t *testing.T) {
	l := NewEmpty()
	h := registry.Handle(registry.FirstHandle)

	require.NoError(t, l.Add(byte(h), []byte("hello"), DupRefuseIfHandlePresent))
	verifyInvariant(t, l)
	require.Equal(t, 1, l.NumProperties())

	require.NoError(t, l.RemoveSpecific(byte(h), []byte("hello")))
	verifyInvariant(t, l)

	require.Equal(t, 0, l.NumProperties())
	require.Equal(t, uint64(0), l.UnusedBytes())
	require.Equal(t, uint64(5), l.PropertyBytes(), "hole adjacent to LAST must be reclaimed, not kept as an EMPTY record")
}

func TestSingleEntityRefusesSecondAdd(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	require.NoError(t, l.Add(h, []byte{1, 2, 3, 4}, DupRefuseIfHandlePresent))
	err := l.Add(h, []byte{5, 6, 7, 8}, DupRefuseIfHandlePresent)
	require.Error(t, err)
	require.Equal(t, nodkind.ErrPropertyExists, nodkind.KindOf(err))
}

func TestMultipleEntityAllowsDistinctRejectsExactDuplicate(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle + 1)
	require.NoError(t, l.Add(h, []byte("a"), DupRefuseIfExactValue))
	require.NoError(t, l.Add(h, []byte("b"), DupRefuseIfExactValue))

	err := l.Add(h, []byte("a"), DupRefuseIfExactValue)
	require.Error(t, err)
	require.Equal(t, nodkind.ErrPropertyExists, nodkind.KindOf(err))

	require.Equal(t, 2, l.NumProperties())
	require.Equal(t, 1, l.NumPropertyTypes())
}

// R2: add_label is idempotent.
func TestAddLabelIsIdempotent(t *testing.T) {
	l := NewEmpty()
	require.NoError(t, l.AddLabel(2))
	require.NoError(t, l.AddLabel(2))
	require.Equal(t, 1, l.NumLabels())
	require.True(t, l.HasLabel(2))
}

func TestRemoveLabelIsNoOpWhenAbsent(t *testing.T) {
	l := NewEmpty()
	l.RemoveLabel(9)
	verifyInvariant(t, l)
	require.Equal(t, 0, l.NumLabels())
}

func TestMultipleLabelsCoexist(t *testing.T) {
	l := NewEmpty()
	require.NoError(t, l.AddLabel(2))
	require.NoError(t, l.AddLabel(5))
	require.Equal(t, 2, l.NumLabels())
	require.ElementsMatch(t, []registry.Handle{2, 5}, l.Labels())
	l.RemoveLabel(2)
	verifyInvariant(t, l)
	require.Equal(t, []registry.Handle{5}, l.Labels())
}

func TestSetIDAndRead(t *testing.T) {
	l := NewEmpty()
	require.NoError(t, l.SetID([]byte("vertex-key-1")))
	got, ok := l.ID()
	require.True(t, ok)
	require.Equal(t, []byte("vertex-key-1"), got)
}

// P6: unused_bytes tracks the sum of EMPTY record spans through a
// sequence of adds, removes and an update, interleaved with holes that
// do and don't border LAST.
func TestUnusedBytesInvariantThroughSequence(t *testing.T) {
	l := NewEmpty()
	a := byte(registry.FirstHandle)
	b := byte(registry.FirstHandle + 1)

	require.NoError(t, l.Add(a, []byte("0123456789"), DupRefuseIfHandlePresent)) // 10 bytes
	require.NoError(t, l.Add(b, []byte("xyz"), DupRefuseIfExactValue))           // not last anymore
	verifyInvariant(t, l)
	require.Equal(t, uint64(0), l.UnusedBytes())

	// Remove the middle-positioned record "a" (not bordering LAST): its
	// span becomes a genuine hole, tracked in unused_bytes.
	require.NoError(t, l.RemoveSpecific(a, []byte("0123456789")))
	verifyInvariant(t, l)
	require.Equal(t, uint64(headerLen+10), l.UnusedBytes())

	// Reusing that hole for a same-or-smaller value should not grow
	// property_bytes and should reduce (or zero) unused_bytes.
	before := l.PropertyBytes()
	require.NoError(t, l.Add(a, []byte("short"), DupRefuseIfHandlePresent))
	verifyInvariant(t, l)
	require.LessOrEqual(t, l.PropertyBytes(), before)

	// Remove everything; the final hole borders LAST and must collapse.
	l.RemoveAll(a)
	l.RemoveAll(b)
	verifyInvariant(t, l)
	require.Equal(t, uint64(0), l.UnusedBytes())
	require.Equal(t, uint64(5), l.PropertyBytes())
}

func TestUpdateReplacesValue(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	require.NoError(t, l.Add(h, []byte("old"), DupRefuseIfExactValue))
	require.NoError(t, l.Update(h, []byte("old"), []byte("new")))
	vals := l.ValuesOf(h)
	require.Equal(t, [][]byte{[]byte("new")}, vals)
}

func TestUpdateNoPropertyWhenOldValueAbsent(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	err := l.Update(h, []byte("missing"), []byte("new"))
	require.Error(t, err)
	require.Equal(t, nodkind.ErrNoProperty, nodkind.KindOf(err))
}

func TestUpdateSingleReplacesSoleValue(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	require.NoError(t, l.Add(h, []byte("v1"), DupRefuseIfHandlePresent))
	require.NoError(t, l.UpdateSingle(h, []byte("v2")))
	require.Equal(t, [][]byte{[]byte("v2")}, l.ValuesOf(h))
	require.Equal(t, 1, l.NumProperties())
}

// P8: size-trick round trip — a zero-length destination reports the
// required count via ErrTruncate, and a correctly sized destination
// succeeds.
func TestLabelsIntoSizeTrick(t *testing.T) {
	l := NewEmpty()
	require.NoError(t, l.AddLabel(1))
	require.NoError(t, l.AddLabel(2))
	require.NoError(t, l.AddLabel(3))

	n, err := l.LabelsInto(nil)
	require.Error(t, err)
	require.Equal(t, nodkind.ErrTruncate, nodkind.KindOf(err))
	require.Equal(t, 3, n)

	dst := make([]registry.Handle, n)
	n, err = l.LabelsInto(dst)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.ElementsMatch(t, []registry.Handle{1, 2, 3}, dst)
}

func TestPropertiesIntoSizeTrick(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	require.NoError(t, l.Add(h, []byte("a"), DupRefuseIfExactValue))
	require.NoError(t, l.Add(h, []byte("b"), DupRefuseIfExactValue))

	n, err := l.PropertiesInto(nil)
	require.Error(t, err)
	require.Equal(t, 2, n)

	dst := make([]Value, 2)
	n, err = l.PropertiesInto(dst)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

// B3: fixed vs. max-size count validation lives on registry.PropertyTypeDef,
// but property add/update callers are expected to validate via
// registry.PropertyTypeDef.ValidateCount before calling List.Add — this
// test documents that boundary, since package property itself has no
// concept of per-type element counts.
func TestFixedSizeValidationIsCallerResponsibility(t *testing.T) {
	def := registry.PropertyTypeDef{Name: "age", Handle: registry.Handle(registry.FirstHandle), FixedSize: true, MaxCount: 1}
	require.NoError(t, def.ValidateCount(1))
	require.Error(t, def.ValidateCount(2))

	l := NewEmpty()
	// property itself will happily store whatever bytes it's given --
	// the caller must have already rejected a bad count.
	require.NoError(t, l.Add(byte(def.Handle), []byte{42}, DupRefuseIfHandlePresent))
}

func TestNumPropertyTypesCountsDistinctHandlesNotValues(t *testing.T) {
	l := NewEmpty()
	h := byte(registry.FirstHandle)
	require.NoError(t, l.Add(h, []byte("a"), DupRefuseIfExactValue))
	require.NoError(t, l.Add(h, []byte("b"), DupRefuseIfExactValue))
	require.NoError(t, l.Add(h, []byte("c"), DupRefuseIfExactValue))

	require.Equal(t, 1, l.NumPropertyTypes())
	require.Equal(t, 3, l.NumProperties())
}

func TestRemoveSpecificNoPropertyWhenMissing(t *testing.T) {
	l := NewEmpty()
	err := l.RemoveSpecific(byte(registry.FirstHandle), []byte("nope"))
	require.Error(t, err)
	require.Equal(t, nodkind.ErrNoProperty, nodkind.KindOf(err))
}

func TestHolesCoalesceBetweenTwoRemovedNeighbors(t *testing.T) {
	l := NewEmpty()
	a := byte(registry.FirstHandle)
	b := byte(registry.FirstHandle + 1)
	c := byte(registry.FirstHandle + 2)

	require.NoError(t, l.Add(a, []byte("aaaa"), DupRefuseIfHandlePresent))
	require.NoError(t, l.Add(b, []byte("bb"), DupRefuseIfHandlePresent))
	require.NoError(t, l.Add(c, []byte("cccccc"), DupRefuseIfHandlePresent))

	require.NoError(t, l.RemoveSpecific(a, []byte("aaaa")))
	require.NoError(t, l.RemoveSpecific(c, []byte("cccccc")))
	verifyInvariant(t, l)
	// a's hole stays in front of b; c's hole bordered LAST and was
	// reclaimed into it immediately, so b is the last live record.
	require.Equal(t, 1, l.NumProperties())

	require.NoError(t, l.RemoveSpecific(b, []byte("bb")))
	verifyInvariant(t, l)
	// b's hole merges with a's, and the merged hole borders LAST: full reclaim.
	require.Equal(t, uint64(0), l.UnusedBytes())
	require.Equal(t, uint64(5), l.PropertyBytes())
}
