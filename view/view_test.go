package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/volatile"
)

// The volatile segment doubles as a convenient in-memory SegmentView for
// composition tests.
func seg(t *testing.T, ids ...string) *volatile.Segment {
	t.Helper()
	s := volatile.NewSegment(nil)
	for _, id := range ids {
		_, err := s.AddDocument(&core.Document{ID: id, NodeType: "nt:base"})
		require.NoError(t, err)
	}
	return s
}

func TestGlobalDocNumbers(t *testing.T) {
	s1 := seg(t, "a", "b")
	s2 := seg(t, "c")
	s3 := seg(t, "d", "e", "f")
	v := NewView(s1, s2, s3)

	assert.EqualValues(t, 6, v.DocumentCount())
	assert.EqualValues(t, 0, v.Base(0))
	assert.EqualValues(t, 2, v.Base(1))
	assert.EqualValues(t, 3, v.Base(2))

	owner, local, err := v.Owner(4)
	require.NoError(t, err)
	assert.Same(t, core.SegmentView(s3), owner)
	assert.EqualValues(t, 1, local)

	_, _, err = v.Owner(6)
	assert.Error(t, err)
}

func TestLookupIdentityAcrossSegments(t *testing.T) {
	v := NewView(seg(t, "a", "b"), seg(t, "c"))

	n, err := v.LookupIdentity("c")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = v.LookupIdentity("zz")
	require.NoError(t, err)
	assert.EqualValues(t, -1, n)
}

func TestTermMatchesShiftsAndFiltersDeleted(t *testing.T) {
	s1 := seg(t, "a", "b")
	s2 := seg(t, "c", "d")
	require.True(t, s2.RemoveByIdentity("c"))
	v := NewView(s1, s2)

	m, err := v.TermMatches(core.FieldType, "nt:base")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 3}, m.ToArray())
}

func TestLiveDocs(t *testing.T) {
	s1 := seg(t, "a", "b")
	require.True(t, s1.RemoveByIdentity("a"))
	s2 := seg(t, "c")
	v := NewView(s1, s2)

	assert.Equal(t, []uint32{1, 2}, v.LiveDocs().ToArray())
	assert.EqualValues(t, 2, v.LiveDocumentCount())
	assert.True(t, v.IsDeleted(0))
	assert.False(t, v.IsDeleted(2))
}

func TestTickCounterIsMonotonic(t *testing.T) {
	var c TickCounter
	a := c.Next()
	b := c.Next()
	assert.Greater(t, b, a)
}
