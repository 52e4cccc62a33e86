package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/config"
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/executor"
	"github.com/INLOpen/nexussearch/nodestate"
	"github.com/INLOpen/nexussearch/query"
)

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.IndexDir = dir
	cfg.Volatile.MaxBufferedDocs = 1000
	cfg.Merge.MergeFactor = 2
	cfg.Merge.MinMergeDocs = 100
	cfg.Merge.MaxMergeDocs = 1000
	cfg.Merge.Workers = 1
	return cfg
}

func doc(id, parent, nodeType, title string) *core.Document {
	d := &core.Document{ID: id, NodeType: nodeType}
	if parent != "" {
		d.ParentIDs = []string{parent}
	}
	if title != "" {
		d.Properties = map[string][]core.Value{
			"title": {{Type: core.ValueString, Raw: title}},
		}
	}
	return d
}

func openTestIndex(t *testing.T, dir string, states nodestate.Manager) *SearchIndex {
	t.Helper()
	idx, err := Open(Options{Config: testConfig(dir), States: states})
	require.NoError(t, err)
	return idx
}

func searchAll(t *testing.T, idx *SearchIndex, constraint query.Constraint) []string {
	t.Helper()
	hits, err := idx.Search(context.Background(), &query.Statement{
		Selectors:  []query.Selector{{Name: "s", NodeType: query.BaseType}},
		Constraint: constraint,
	}, 0, -1)
	require.NoError(t, err)
	return drain(t, hits)
}

func drain(t *testing.T, hits executor.Hits) []string {
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

func TestAddFlushSearch(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	defer idx.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, idx.AddNode(ctx, doc("root", "", "rep:root", "")))
	require.NoError(t, idx.AddNode(ctx, doc("a", "root", "nt:folder", "Alpha")))
	require.NoError(t, idx.AddNode(ctx, doc("b", "a", "nt:file", "Beta")))

	// Buffered documents are searchable before any flush.
	assert.ElementsMatch(t, []string{"root", "a", "b"}, searchAll(t, idx, nil))

	require.NoError(t, idx.Flush(ctx))
	assert.ElementsMatch(t, []string{"root", "a", "b"}, searchAll(t, idx, nil))

	got := searchAll(t, idx, query.Comparison{
		Selector: "s", Property: "title", Operator: query.OpEqual,
		Operand: query.Operand{Literal: &core.Value{Type: core.ValueString, Raw: "Beta"}},
	})
	assert.Equal(t, []string{"b"}, got)
}

func TestUpdateReplacesDocument(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	defer idx.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, idx.AddNode(ctx, doc("a", "", "nt:file", "Old")))
	require.NoError(t, idx.Flush(ctx))
	require.NoError(t, idx.UpdateNode(ctx, doc("a", "", "nt:file", "New")))

	assert.Equal(t, []string{"a"}, searchAll(t, idx, nil), "exactly one live document per identity")
	titleIs := func(raw string) query.Constraint {
		return query.Comparison{
			Selector: "s", Property: "title", Operator: query.OpEqual,
			Operand: query.Operand{Literal: &core.Value{Type: core.ValueString, Raw: raw}},
		}
	}
	assert.Empty(t, searchAll(t, idx, titleIs("Old")))
	assert.Equal(t, []string{"a"}, searchAll(t, idx, titleIs("New")))
}

func TestRemovePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx := openTestIndex(t, dir, nil)
	require.NoError(t, idx.AddNode(ctx, doc("a", "", "nt:file", "")))
	require.NoError(t, idx.AddNode(ctx, doc("b", "", "nt:file", "")))
	require.NoError(t, idx.Flush(ctx))
	require.NoError(t, idx.RemoveNode(ctx, "a"))
	require.NoError(t, idx.Close(ctx))

	reopened := openTestIndex(t, dir, nil)
	defer reopened.Close(ctx)
	assert.Equal(t, []string{"b"}, searchAll(t, reopened, nil))
}

func TestQueueLogReplayRestoresBufferedDocs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	states := nodestate.NewMemoryManager("root")
	states.SetNode(&nodestate.NodeState{ID: "a", Name: "a", ParentIDs: []string{"root"}, NodeType: "nt:file"})
	states.SetNode(&nodestate.NodeState{ID: "b", Name: "b", ParentIDs: []string{"root"}, NodeType: "nt:file"})

	crashed := openTestIndex(t, dir, states)
	require.NoError(t, crashed.AddNode(ctx, doc("a", "root", "nt:file", "")))
	require.NoError(t, crashed.AddNode(ctx, doc("b", "root", "nt:file", "")))
	require.NoError(t, crashed.RemoveNode(ctx, "b"))
	// No Close: the volatile segment dies with the process, the queue log
	// survives.

	recovered := openTestIndex(t, dir, states)
	defer recovered.Close(ctx)
	assert.Equal(t, []string{"a"}, searchAll(t, recovered, nil))
}

func TestQueueLogDeletedOnceFlushed(t *testing.T) {
	dir := t.TempDir()
	idx := openTestIndex(t, dir, nil)
	defer idx.Close(context.Background())
	ctx := context.Background()
	logPath := filepath.Join(dir, queueLogName)

	require.NoFileExists(t, logPath, "nothing buffered, no log file")
	require.NoError(t, idx.AddNode(ctx, doc("a", "", "nt:file", "")))
	require.FileExists(t, logPath)

	require.NoError(t, idx.Flush(ctx))
	require.NoFileExists(t, logPath, "flush empties the pending set")

	require.NoError(t, idx.RemoveNode(ctx, "a"))
	require.FileExists(t, logPath, "pending operations recreate the log")
}

func TestMergeConservesLiveDocuments(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	defer idx.Close(context.Background())
	ctx := context.Background()

	var all []string
	for batch := 0; batch < 2; batch++ {
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("n%d-%d", batch, i)
			all = append(all, id)
			require.NoError(t, idx.AddNode(ctx, doc(id, "", "nt:file", "")))
		}
		require.NoError(t, idx.Flush(ctx))
	}

	// Two same-bucket segments with MergeFactor 2 must merge into one.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, idx.WaitForMerges(waitCtx))

	snap := idx.store.Snapshot()
	require.Len(t, snap.Entries, 1, "inputs replaced by one merged segment")
	assert.ElementsMatch(t, all, searchAll(t, idx, nil))
	assert.EqualValues(t, len(all), idx.View().LiveDocumentCount())
}

func TestDeleteDuringMergeWindowIsReplayed(t *testing.T) {
	cfg := testConfig(t.TempDir())
	// Keep the background merger idle; the merge runs synchronously below.
	cfg.Merge.MergeFactor = 100
	cfg.Merge.MinMergeDocs = 1 << 20
	idx, err := Open(Options{Config: cfg})
	require.NoError(t, err)
	defer idx.Close(context.Background())
	ctx := context.Background()

	for batch := 0; batch < 2; batch++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, idx.AddNode(ctx, doc(fmt.Sprintf("n%d-%d", batch, i), "", "nt:file", "")))
		}
		require.NoError(t, idx.Flush(ctx))
	}
	var names []string
	for _, s := range idx.SegmentSizes() {
		names = append(names, s.Name)
	}
	require.Len(t, names, 2)

	// The removal lands after the merge copied the document but before the
	// swap; only the recorder replay can keep it out of the merged segment.
	idx.mergeCopyDone = func() {
		idx.mergeCopyDone = nil
		require.NoError(t, idx.RemoveNode(ctx, "n0-1"))
	}
	require.NoError(t, idx.doMerge(ctx, names))

	require.Len(t, idx.store.Snapshot().Entries, 1)
	n, err := idx.View().LookupIdentity("n0-1")
	require.NoError(t, err)
	assert.EqualValues(t, -1, n)
	assert.NotContains(t, searchAll(t, idx, nil), "n0-1")
	assert.Len(t, searchAll(t, idx, nil), 5)
}

func TestDeleteListenerNotified(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	defer idx.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, idx.AddNode(ctx, doc("a", "", "nt:file", "")))
	require.NoError(t, idx.Flush(ctx))

	var mu sync.Mutex
	var seen []string
	unregister := idx.RegisterDeleteListener(listenerFunc(func(id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	}))

	require.NoError(t, idx.RemoveNode(ctx, "a"))
	unregister()
	require.NoError(t, idx.RemoveNode(ctx, "a")) // no live doc, no notification

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, seen)
}

type listenerFunc func(id string)

func (f listenerFunc) DocumentDeleted(id string) { f(id) }

func TestClosedIndexRejectsOperations(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	ctx := context.Background()
	require.NoError(t, idx.Close(ctx))

	assert.ErrorIs(t, idx.AddNode(ctx, doc("a", "", "nt:file", "")), core.ErrIndexClosed)
	assert.ErrorIs(t, idx.RemoveNode(ctx, "a"), core.ErrIndexClosed)
	assert.ErrorIs(t, idx.Flush(ctx), core.ErrIndexClosed)
	_, err := idx.Search(ctx, &query.Statement{Selectors: []query.Selector{{Name: "s"}}}, 0, -1)
	assert.ErrorIs(t, err, core.ErrIndexClosed)
}

func TestExcerptHighlightsQueryTerms(t *testing.T) {
	idx := openTestIndex(t, t.TempDir(), nil)
	defer idx.Close(context.Background())
	ctx := context.Background()

	d := doc("a", "", "nt:file", "")
	d.Text = "the quick brown fox jumps over the lazy dog"
	require.NoError(t, idx.AddNode(ctx, d))

	stmt := &query.Statement{
		Selectors:  []query.Selector{{Name: "s"}},
		Constraint: query.FullTextSearch{Selector: "s", Expression: "quick -lazy"},
	}
	got, err := idx.Excerpt(stmt, "a")
	require.NoError(t, err)
	assert.Contains(t, got, "<strong>quick</strong>")
	assert.NotContains(t, got, "<strong>lazy</strong>", "prohibited terms are not highlighted")

	_, err = idx.Excerpt(stmt, "nope")
	assert.Error(t, err)
}

func TestCloseFlushesBufferedDocuments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx := openTestIndex(t, dir, nil)
	require.NoError(t, idx.AddNode(ctx, doc("a", "", "nt:file", "")))
	require.NoError(t, idx.Close(ctx))

	reopened := openTestIndex(t, dir, nil)
	defer reopened.Close(ctx)
	assert.Equal(t, []string{"a"}, searchAll(t, reopened, nil))
}
