package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabelsCreateAndLookup(t *testing.T) {
	l := NewLabels()
	h1, err := l.Create("Person")
	require.NoError(t, err)
	h2, err := l.Create("Company")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	got, err := l.ByName("Person")
	require.NoError(t, err)
	require.Equal(t, h1, got)

	name, err := l.ByHandle(h2)
	require.NoError(t, err)
	require.Equal(t, "Company", name)
}

func TestLabelsCreateIsIdempotent(t *testing.T) {
	l := NewLabels()
	h1, err := l.Create("Person")
	require.NoError(t, err)
	h2, err := l.Create("Person")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestLabelsUnknownNameErrors(t *testing.T) {
	l := NewLabels()
	_, err := l.ByName("Nope")
	require.Error(t, err)
}

func TestPropertyTypesHandlesStartAtFour(t *testing.T) {
	p := NewPropertyTypes()
	h, err := p.Create("name", 4, true, true, 1)
	require.NoError(t, err)
	require.Equal(t, Handle(FirstHandle), h)

	h2, err := p.Create("tags", 8, false, false, 16)
	require.NoError(t, err)
	require.Equal(t, Handle(FirstHandle+1), h2)
}

func TestPropertyTypeValidateCountFixedVsMax(t *testing.T) {
	fixed := PropertyTypeDef{Name: "age", FixedSize: true, MaxCount: 1}
	require.NoError(t, fixed.ValidateCount(1))
	require.Error(t, fixed.ValidateCount(0))
	require.Error(t, fixed.ValidateCount(2))

	maxed := PropertyTypeDef{Name: "tags", FixedSize: false, MaxCount: 4}
	require.NoError(t, maxed.ValidateCount(0))
	require.NoError(t, maxed.ValidateCount(4))
	require.Error(t, maxed.ValidateCount(5))
}
