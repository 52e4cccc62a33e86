package nodestate

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

func fixtureManager() *MemoryManager {
	m := NewMemoryManager("root")
	m.SetNode(&NodeState{ID: "a", Name: "a", ParentIDs: []string{"root"}, NodeType: "nt:folder"})
	m.SetNode(&NodeState{ID: "b", Name: "b", ParentIDs: []string{"a"}, NodeType: "nt:file",
		Properties: map[string][]core.Value{
			"size": {{Type: core.ValueLong, Raw: "5"}},
		}})
	return m
}

func TestResolvePath(t *testing.T) {
	m := fixtureManager()

	id, err := m.ResolvePath("/")
	require.NoError(t, err)
	assert.Equal(t, "root", id)

	id, err = m.ResolvePath("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	_, err = m.ResolvePath("/a/nope")
	assert.Error(t, err)
	_, err = m.ResolvePath("relative")
	assert.Error(t, err)
}

func TestPropertyViaPath(t *testing.T) {
	m := fixtureManager()

	v, ok := m.PropertyViaPath("a", []string{"b", "size"})
	require.True(t, ok)
	assert.Equal(t, "5", v.Raw)

	// Direct property on the node itself.
	v, ok = m.PropertyViaPath("b", []string{"size"})
	require.True(t, ok)
	assert.Equal(t, "5", v.Raw)

	_, ok = m.PropertyViaPath("a", []string{"nope", "size"})
	assert.False(t, ok)
	_, ok = m.PropertyViaPath("b", []string{"absent"})
	assert.False(t, ok)
	_, ok = m.PropertyViaPath("b", nil)
	assert.False(t, ok)
}

func TestDeleteNodeUnlinksChildEntry(t *testing.T) {
	m := fixtureManager()
	m.DeleteNode("b")

	_, err := m.ResolvePath("/a/b")
	assert.Error(t, err)
	exists, err := m.Exists("b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetNodeMoveRelinks(t *testing.T) {
	m := fixtureManager()
	// Move b from under a to under the root.
	m.SetNode(&NodeState{ID: "b", Name: "b", ParentIDs: []string{"root"}, NodeType: "nt:file"})

	_, err := m.ResolvePath("/a/b")
	assert.Error(t, err)
	id, err := m.ResolvePath("/b")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestAllIDsBatches(t *testing.T) {
	m := fixtureManager()

	var got []string
	var batches int
	require.NoError(t, m.AllIDs(2, func(ids []string) bool {
		batches++
		got = append(got, ids...)
		return true
	}))
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "root"}, got)
	assert.Equal(t, 2, batches)

	// Early stop after the first batch.
	var seen int
	require.NoError(t, m.AllIDs(1, func(ids []string) bool {
		seen += len(ids)
		return false
	}))
	assert.Equal(t, 1, seen)
}

func TestDocumentCopiesSlices(t *testing.T) {
	n := &NodeState{ID: "x", ParentIDs: []string{"root"}, NodeType: "nt:file", Mixins: []string{"mix:referenceable"}}
	d := n.Document()
	d.ParentIDs[0] = "changed"
	assert.Equal(t, "root", n.ParentIDs[0])
	assert.Equal(t, []string{"mix:referenceable"}, d.Mixins)
}
