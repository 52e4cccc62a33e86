package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/nodestate"
	"github.com/INLOpen/nexussearch/query"
	"github.com/INLOpen/nexussearch/view"
	"github.com/INLOpen/nexussearch/volatile"
)

func longVal(raw string) core.Value {
	return core.Value{Type: core.ValueLong, Raw: raw}
}

func buildView(t *testing.T, docs []*core.Document) *view.MultiSegmentView {
	t.Helper()
	s := volatile.NewSegment(nil)
	for _, d := range docs {
		_, err := s.AddDocument(d)
		require.NoError(t, err)
	}
	return view.NewView(s)
}

func translate(t *testing.T, stmt *query.Statement, states nodestate.Manager) *query.Query {
	t.Helper()
	var resolver query.PathResolver
	if states != nil {
		resolver = states
	}
	q, err := query.NewTranslator(nil, nil, nil, resolver).Translate(stmt)
	require.NoError(t, err)
	return q
}

func collectIdentities(t *testing.T, hits Hits) []string {
	t.Helper()
	var ids []string
	for {
		h, err := hits.Next()
		require.NoError(t, err)
		if h == nil {
			return ids
		}
		ids = append(ids, h.Identity)
	}
}

func TestSortedAscendingNullsLast(t *testing.T) {
	v := buildView(t, []*core.Document{
		{ID: "n3", NodeType: "nt:base", Properties: map[string][]core.Value{"rank": {longVal("3")}}},
		{ID: "missing", NodeType: "nt:base"},
		{ID: "n1", NodeType: "nt:base", Properties: map[string][]core.Value{"rank": {longVal("1")}}},
		{ID: "n2", NodeType: "nt:base", Properties: map[string][]core.Value{"rank": {longVal("2")}}},
	})
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Orderings: []query.Ordering{{Selector: "s", Property: "rank"}},
	}, nil)

	hits, err := New(Options{}).Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2", "n3", "missing"}, collectIdentities(t, hits))
}

func TestSortedDescendingKeepsNullsLast(t *testing.T) {
	v := buildView(t, []*core.Document{
		{ID: "missing", NodeType: "nt:base"},
		{ID: "n1", NodeType: "nt:base", Properties: map[string][]core.Value{"rank": {longVal("1")}}},
		{ID: "n2", NodeType: "nt:base", Properties: map[string][]core.Value{"rank": {longVal("2")}}},
	})
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Orderings: []query.Ordering{{Selector: "s", Property: "rank", Descending: true}},
	}, nil)

	hits, err := New(Options{}).Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n1", "missing"}, collectIdentities(t, hits))
}

func TestComparatorChain(t *testing.T) {
	doc := func(id, group, rank string) *core.Document {
		props := map[string][]core.Value{}
		if group != "" {
			props["group"] = []core.Value{{Type: core.ValueString, Raw: group}}
		}
		if rank != "" {
			props["rank"] = []core.Value{longVal(rank)}
		}
		return &core.Document{ID: id, NodeType: "nt:base", Properties: props}
	}
	v := buildView(t, []*core.Document{
		doc("b2", "b", "2"),
		doc("a9", "a", "9"),
		doc("bx", "b", ""), // missing rank sorts after its group peers
		doc("a1", "a", "1"),
	})
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Orderings: []query.Ordering{
			{Selector: "s", Property: "group"},
			{Selector: "s", Property: "rank"},
		},
	}, nil)

	hits, err := New(Options{}).Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a9", "b2", "bx"}, collectIdentities(t, hits))
}

func TestPaginationIsStableAcrossBatchGrowth(t *testing.T) {
	const total = 100
	docs := make([]*core.Document, total)
	for i := 0; i < total; i++ {
		docs[i] = &core.Document{
			ID:       fmt.Sprintf("n%03d", i),
			NodeType: "nt:base",
			Properties: map[string][]core.Value{
				"rank": {longVal(fmt.Sprintf("%d", (i*37)%total))},
			},
		}
	}
	v := buildView(t, docs)
	stmt := &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Orderings: []query.Ordering{{Selector: "s", Property: "rank"}},
	}
	q := translate(t, stmt, nil)
	e := New(Options{})

	full, err := e.Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	want := collectIdentities(t, full)
	require.Len(t, want, total)

	// Small pages force the sorted prefix to start at the batch floor and
	// double several times; every page must agree with the full run.
	var paged []string
	const page = 7
	for offset := int64(0); offset < total; offset += page {
		hits, err := e.Execute(context.Background(), v, q, offset, page)
		require.NoError(t, err)
		paged = append(paged, collectIdentities(t, hits)...)
	}
	assert.Equal(t, want, paged)
}

func TestTiedSortKeysPageDeterministically(t *testing.T) {
	const total = 40
	docs := make([]*core.Document, total)
	for i := 0; i < total; i++ {
		docs[i] = &core.Document{
			ID:       fmt.Sprintf("n%02d", i),
			NodeType: "nt:base",
			Properties: map[string][]core.Value{
				"rank": {longVal(fmt.Sprintf("%d", i%4))},
			},
		}
	}
	v := buildView(t, docs)
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Orderings: []query.Ordering{{Selector: "s", Property: "rank"}},
	}, nil)
	e := New(Options{})

	full, err := e.Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	want := collectIdentities(t, full)
	require.Len(t, want, total)

	// Heavily tied keys leave the order up to the tie-break; paged reads
	// must still agree with the full run.
	var paged []string
	for offset := int64(0); offset < total; offset += 3 {
		hits, err := e.Execute(context.Background(), v, q, offset, 3)
		require.NoError(t, err)
		paged = append(paged, collectIdentities(t, hits)...)
	}
	assert.Equal(t, want, paged)
}

func TestUnsortedOffsetAndLimit(t *testing.T) {
	docs := make([]*core.Document, 10)
	for i := range docs {
		docs[i] = &core.Document{ID: fmt.Sprintf("n%d", i), NodeType: "nt:base"}
	}
	v := buildView(t, docs)
	q := translate(t, &query.Statement{Selectors: []query.Selector{{Name: "s"}}}, nil)

	hits, err := New(Options{}).Execute(context.Background(), v, q, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n4", "n5", "n6"}, collectIdentities(t, hits))
	assert.Equal(t, 10, hits.Size())

	hits, err = New(Options{}).Execute(context.Background(), v, q, 20, -1)
	require.NoError(t, err)
	assert.Empty(t, collectIdentities(t, hits))
}

func TestRelativePathSortKey(t *testing.T) {
	states := nodestate.NewMemoryManager("root")
	for _, n := range []struct {
		id, rank string
	}{{"p1", "2"}, {"p2", "1"}} {
		states.SetNode(&nodestate.NodeState{
			ID: n.id, Name: n.id, ParentIDs: []string{"root"}, NodeType: "nt:folder",
		})
		states.SetNode(&nodestate.NodeState{
			ID: n.id + "-meta", Name: "meta", ParentIDs: []string{n.id}, NodeType: "nt:unstructured",
			Properties: map[string][]core.Value{"weight": {longVal(n.rank)}},
		})
	}
	v := buildView(t, []*core.Document{
		{ID: "p1", ParentIDs: []string{"root"}, NodeType: "nt:folder"},
		{ID: "p2", ParentIDs: []string{"root"}, NodeType: "nt:folder"},
	})
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s", NodeType: "nt:folder"}},
		Orderings: []query.Ordering{{Selector: "s", Property: "meta/weight"}},
	}, states)

	hits, err := New(Options{States: states}).Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p1"}, collectIdentities(t, hits))
}

func TestFullTextScores(t *testing.T) {
	v := buildView(t, []*core.Document{
		{ID: "both", NodeType: "nt:base", Text: "quick brown fox"},
		{ID: "one", NodeType: "nt:base", Text: "quick snail"},
	})
	q := translate(t, &query.Statement{
		Selectors: []query.Selector{{Name: "s"}},
		Constraint: query.Or{Constraints: []query.Constraint{
			query.FullTextSearch{Selector: "s", Expression: "quick fox"},
			query.FullTextSearch{Selector: "s", Expression: "quick"},
		}},
	}, nil)

	hits, err := New(Options{}).Execute(context.Background(), v, q, 0, -1)
	require.NoError(t, err)
	byID := map[string]float64{}
	for {
		h, err := hits.Next()
		require.NoError(t, err)
		if h == nil {
			break
		}
		byID[h.Identity] = h.Score
	}
	require.Len(t, byID, 2)
	assert.Greater(t, byID["both"], byID["one"])
}

func TestNegativeOffsetRejected(t *testing.T) {
	v := buildView(t, []*core.Document{{ID: "a", NodeType: "nt:base"}})
	q := translate(t, &query.Statement{Selectors: []query.Selector{{Name: "s"}}}, nil)

	_, err := New(Options{}).Execute(context.Background(), v, q, -1, 10)
	assert.True(t, core.IsInvalidQuery(err))
}
