package volatile

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

func addDoc(t *testing.T, s *Segment, id, parent, nodeType string) uint32 {
	t.Helper()
	d := &core.Document{ID: id, NodeType: nodeType}
	if parent != "" {
		d.ParentIDs = []string{parent}
	}
	n, err := s.AddDocument(d)
	require.NoError(t, err)
	return n
}

func TestAddAndLookup(t *testing.T) {
	s := NewSegment(nil)
	addDoc(t, s, "root", "", "rep:root")
	addDoc(t, s, "a", "root", "nt:folder")

	assert.EqualValues(t, 2, s.DocumentCount())
	n, err := s.LookupIdentity("a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDuplicateLiveIdentityRejected(t *testing.T) {
	s := NewSegment(nil)
	addDoc(t, s, "a", "", "nt:folder")

	_, err := s.AddDocument(&core.Document{ID: "a", NodeType: "nt:folder"})
	assert.Error(t, err)

	// After removal the identity may be buffered again.
	require.True(t, s.RemoveByIdentity("a"))
	_, err = s.AddDocument(&core.Document{ID: "a", NodeType: "nt:folder"})
	assert.NoError(t, err)
}

func TestRemoveByIdentity(t *testing.T) {
	s := NewSegment(nil)
	doc := addDoc(t, s, "a", "", "nt:folder")

	assert.True(t, s.RemoveByIdentity("a"))
	assert.False(t, s.RemoveByIdentity("a"), "second removal finds nothing live")
	assert.True(t, s.IsDeleted(doc))
	assert.EqualValues(t, 0, s.LiveDocumentCount())
	assert.Empty(t, s.LiveDocuments())
}

func TestTermRangeMatchesPersistentSemantics(t *testing.T) {
	s := NewSegment(nil)
	for _, raw := range []string{"1", "5", "10"} {
		_, err := s.AddDocument(&core.Document{
			ID:       "n" + raw,
			NodeType: "nt:file",
			Properties: map[string][]core.Value{
				"size": {{Type: core.ValueLong, Raw: raw}},
			},
		})
		require.NoError(t, err)
	}

	term := func(raw string) string {
		encoded, err := core.EncodeValue(core.Value{Type: core.ValueLong, Raw: raw})
		require.NoError(t, err)
		return core.PropertyTerm("size", encoded)
	}
	loBound, hiBound := core.PropertyTermBounds("size")

	collect := func(lo, hi string, incLo, incHi bool) []uint32 {
		docs := roaring.New()
		err := s.VisitTermRange(core.FieldProperties, lo, hi, incLo, incHi,
			func(_ string, postings *roaring.Bitmap) bool {
				docs.Or(postings)
				return true
			})
		require.NoError(t, err)
		return docs.ToArray()
	}

	// Docs: n1=0, n5=1, n10=2.
	assert.Equal(t, []uint32{1, 2}, collect(term("1"), hiBound, false, false), "> 1")
	assert.Equal(t, []uint32{0, 1}, collect(loBound, term("5"), true, true), "<= 5")
	assert.Equal(t, []uint32{1}, collect(term("1"), term("10"), false, false), "1 < x < 10")
}

func TestFullTextTokensIndexed(t *testing.T) {
	s := NewSegment(nil)
	_, err := s.AddDocument(&core.Document{
		ID:       "a",
		NodeType: "nt:file",
		Text:     "The Quick Brown Fox",
		Properties: map[string][]core.Value{
			"title": {{Type: core.ValueString, Raw: "Jumping Dogs"}},
		},
	})
	require.NoError(t, err)

	m, err := s.TermMatches(core.FieldFullText, "quick")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, m.ToArray())

	// Property values feed both the node-level and the per-property stream.
	m, err = s.TermMatches(core.FieldFullText, "jumping")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, m.ToArray())
	m, err = s.TermMatches(core.FullTextField("title"), "dogs")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, m.ToArray())
}

func TestParent(t *testing.T) {
	s := NewSegment(nil)
	addDoc(t, s, "root", "", "rep:root")
	child := addDoc(t, s, "a", "root", "nt:folder")
	orphan := addDoc(t, s, "b", "elsewhere", "nt:folder")

	id, err := s.Parent(0)
	require.NoError(t, err)
	assert.True(t, id.IsNull())

	id, err = s.Parent(child)
	require.NoError(t, err)
	require.True(t, id.IsLocal())
	assert.EqualValues(t, 0, id.Num())

	id, err = s.Parent(orphan)
	require.NoError(t, err)
	require.True(t, id.IsForeign())
	assert.Equal(t, []string{"elsewhere"}, id.Identities())
}
