// Package index ties the storage layers together into the SearchIndex
// facade: document ingestion through the volatile segment, flushes to
// persistent segments, background merging, and query execution against
// immutable view snapshots.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexussearch/analysis"
	"github.com/INLOpen/nexussearch/compressors"
	"github.com/INLOpen/nexussearch/config"
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/excerpt"
	"github.com/INLOpen/nexussearch/executor"
	"github.com/INLOpen/nexussearch/merger"
	"github.com/INLOpen/nexussearch/metastore"
	"github.com/INLOpen/nexussearch/nodestate"
	"github.com/INLOpen/nexussearch/query"
	"github.com/INLOpen/nexussearch/segment"
	"github.com/INLOpen/nexussearch/view"
	"github.com/INLOpen/nexussearch/volatile"
)

// Options configures a SearchIndex.
type Options struct {
	Config   *config.Config
	Analyzer analysis.Analyzer
	Synonyms analysis.SynonymProvider
	// Types feeds selector expansion; nil means no subtype expansion.
	Types *query.NodeTypeRegistry
	// States is the authoritative content store. Required for queue-log
	// crash recovery, path constraints, and relative-path sort keys; a
	// nil value disables those.
	States nodestate.Manager
	// Excerpt configures result highlighting; the zero value uses the
	// defaults.
	Excerpt    excerpt.Options
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Registerer prometheus.Registerer
}

// SearchIndex is the top-level handle. All public methods are safe for
// concurrent use.
type SearchIndex struct {
	cfg        *config.Config
	dir        string
	analyzer   analysis.Analyzer
	compressor core.Compressor
	states     nodestate.Manager
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *Metrics

	store *metastore.Store
	ticks view.TickCounter
	queue *queueLog

	// ingest serializes document mutations and flushes; mu guards the
	// segment set for snapshot composition.
	ingest     sync.Mutex
	mu         sync.RWMutex
	persistent []*segment.Reader
	vol        *volatile.Segment

	// replaceGate lets merges commit concurrently (shared side) while
	// shutdown takes the exclusive side; a merge that cannot acquire the
	// shared side is abandoned.
	replaceGate sync.RWMutex

	merger     *merger.Merger
	translator *query.Translator
	exec       *executor.Executor
	excerpts   *excerpt.Builder

	listeners struct {
		sync.Mutex
		next int
		m    map[int]core.DeleteListener
	}

	// mergeCopyDone, when set, runs after a merge finished copying its
	// input documents and before the swap. Tests use it to race removals
	// into the merge window.
	mergeCopyDone func()

	closed atomic.Bool
}

// Open loads or creates the index under cfg.IndexDir, replays the queue
// log, and starts the background merger.
func Open(opts Options) (*SearchIndex, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "SearchIndex")
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = analysis.NewStandardAnalyzer()
	}
	compressor, err := compressors.ForName(cfg.Segment.Compression)
	if err != nil {
		return nil, err
	}

	store, err := metastore.Open(cfg.IndexDir, logger)
	if err != nil {
		return nil, err
	}

	idx := &SearchIndex{
		cfg:        cfg,
		dir:        cfg.IndexDir,
		analyzer:   analyzer,
		compressor: compressor,
		states:     opts.States,
		logger:     logger,
		tracer:     opts.Tracer,
		metrics:    NewMetrics(opts.Registerer),
		store:      store,
		vol:        volatile.NewSegment(analyzer),
	}
	idx.listeners.m = make(map[int]core.DeleteListener)

	for _, info := range store.Snapshot().Entries {
		r, err := segment.Open(segment.ReaderOptions{
			Dir:                   idx.dir,
			Name:                  info.Name,
			Logger:                logger,
			CreationTick:          idx.ticks.Next(),
			ParentCacheBatchSize:  cfg.Segment.ParentCacheBatchSize,
			IdentityCacheCapacity: cfg.Segment.IdentityCacheCapacity,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %s: %w", info.Name, err)
		}
		idx.persistent = append(idx.persistent, r)
	}
	idx.metrics.SegmentCount.Set(float64(len(idx.persistent)))

	idx.queue = newQueueLog(idx.dir)
	if err := idx.replayQueueLog(); err != nil {
		return nil, err
	}

	var resolver query.PathResolver
	if opts.States != nil {
		resolver = opts.States
	}
	idx.translator = query.NewTranslator(opts.Types, analyzer, opts.Synonyms, resolver)
	idx.excerpts = excerpt.New(opts.Excerpt)
	idx.exec = executor.New(executor.Options{
		States:  opts.States,
		Logger:  logger,
		Tracer:  opts.Tracer,
		Latency: idx.metrics.QueryDuration,
	})

	idx.merger = merger.New(idx, idx.doMerge, merger.Options{
		MergeFactor:  cfg.Merge.MergeFactor,
		MinMergeDocs: cfg.Merge.MinMergeDocs,
		MaxMergeDocs: cfg.Merge.MaxMergeDocs,
		Workers:      cfg.Merge.Workers,
		Logger:       logger,
		Tracer:       opts.Tracer,
	})
	idx.merger.Start()
	idx.merger.NotifyIndexChanged()
	return idx, nil
}

// replayQueueLog re-applies buffered operations lost with the previous
// process's volatile segment. Without an authoritative store the entries
// cannot be re-read, so they are only reported.
func (x *SearchIndex) replayQueueLog() error {
	entries, err := x.queue.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if x.states == nil {
		x.logger.Warn("Queue log has entries but no authoritative store is attached; buffered operations are lost.",
			"entries", len(entries))
		return x.queue.Clear()
	}
	x.logger.Info("Replaying queue log.", "entries", len(entries))
	for _, e := range entries {
		switch e.Op {
		case queueOpAdd:
			state, err := x.states.Load(e.ID)
			if err != nil {
				// Deleted again after the logged add; nothing to restore.
				x.removeEverywhere(e.ID)
				continue
			}
			x.removeEverywhere(e.ID)
			if _, err := x.vol.AddDocument(state.Document()); err != nil {
				return fmt.Errorf("queue log replay of %s failed: %w", e.ID, err)
			}
		case queueOpRemove:
			x.removeEverywhere(e.ID)
		}
	}
	return nil
}

// AddNode indexes the document, replacing any live document with the same
// identity. A full volatile segment triggers a synchronous flush.
func (x *SearchIndex) AddNode(ctx context.Context, d *core.Document) error {
	if x.closed.Load() {
		return core.ErrIndexClosed
	}
	x.ingest.Lock()
	defer x.ingest.Unlock()

	x.removeEverywhere(d.ID)
	if _, err := x.vol.AddDocument(d); err != nil {
		return err
	}
	if err := x.queue.Append(queueOpAdd, d.ID); err != nil {
		return err
	}
	x.metrics.DocsIndexed.Inc()

	if int(x.vol.DocumentCount()) >= x.cfg.Volatile.MaxBufferedDocs {
		return x.flushLocked(ctx)
	}
	return nil
}

// UpdateNode reindexes a changed node. Identical to AddNode; updates are
// remove-then-add.
func (x *SearchIndex) UpdateNode(ctx context.Context, d *core.Document) error {
	return x.AddNode(ctx, d)
}

// RemoveNode deletes the live document carrying the identity, wherever it
// currently lives.
func (x *SearchIndex) RemoveNode(ctx context.Context, id string) error {
	if x.closed.Load() {
		return core.ErrIndexClosed
	}
	x.ingest.Lock()
	defer x.ingest.Unlock()

	if x.removeEverywhere(id) {
		x.metrics.DocsRemoved.Inc()
	}
	return x.queue.Append(queueOpRemove, id)
}

// removeEverywhere deletes the identity from the volatile segment or, when
// persisted, from its owning segment (persisting the deletion set and
// bumping the segment's metadata generation). Registered delete listeners
// see every successful removal.
//
// A concurrent merge can swap the owning segment out between the snapshot
// and the delete, leaving the deletion on a dead reader. The membership
// re-check below catches that and retries against the swapped-in set; the
// deletion then lands either on the merged segment directly or, when the
// merge had already copied the document, through the merge's own delete
// replay (the listener notification precedes the re-check, so a delete
// applied to a still-live member is always recorded before the merge
// unregisters its recorder).
func (x *SearchIndex) removeEverywhere(id string) bool {
	if x.vol.RemoveByIdentity(id) {
		x.notifyDeleted(id)
		return true
	}
	removed := false
	for {
		x.mu.RLock()
		readers := append([]*segment.Reader(nil), x.persistent...)
		x.mu.RUnlock()

		var target *segment.Reader
		for _, r := range readers {
			n, err := r.LookupIdentity(id)
			if err != nil {
				x.logger.Warn("Identity lookup failed during removal.",
					"segment", r.Name(), "id", id, "error", err)
				continue
			}
			if n < 0 {
				continue
			}
			if err := r.Delete(uint32(n)); err != nil {
				x.logger.Error("Failed to persist deletion.",
					"segment", r.Name(), "id", id, "error", err)
				continue
			}
			if err := x.store.TouchSegment(r.Name()); err != nil {
				x.logger.Warn("Failed to bump segment generation after deletion.",
					"segment", r.Name(), "error", err)
			}
			target = r
			break
		}
		if target == nil {
			// Not found; a prior iteration may already have removed it
			// before its segment was merged away.
			return removed
		}
		removed = true
		x.notifyDeleted(id)

		x.mu.RLock()
		live := false
		for _, r := range x.persistent {
			if r == target {
				live = true
				break
			}
		}
		x.mu.RUnlock()
		if live {
			return true
		}
		x.logger.Debug("Deletion landed on a merged-away segment, retrying.",
			"segment", target.Name(), "id", id)
	}
}

// Flush writes the volatile segment out as a persistent segment.
func (x *SearchIndex) Flush(ctx context.Context) error {
	if x.closed.Load() {
		return core.ErrIndexClosed
	}
	x.ingest.Lock()
	defer x.ingest.Unlock()
	return x.flushLocked(ctx)
}

// flushLocked performs the flush. Caller holds x.ingest.
func (x *SearchIndex) flushLocked(ctx context.Context) error {
	docs := x.vol.LiveDocuments()
	if len(docs) == 0 {
		if x.vol.DocumentCount() > 0 {
			// Everything buffered was deleted again; just reset.
			x.mu.Lock()
			x.vol = volatile.NewSegment(x.analyzer)
			x.mu.Unlock()
		}
		return x.queue.Clear()
	}
	start := time.Now()

	name := x.store.NewSegmentName()
	w, err := segment.NewWriter(segment.WriterOptions{
		Dir:        x.dir,
		Name:       name,
		Compressor: x.compressor,
		Analyzer:   x.analyzer,
		Tracer:     x.tracer,
		Logger:     x.logger,
	})
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := w.AddDocument(d); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Finish(ctx); err != nil {
		return err
	}
	r, err := x.openReader(name)
	if err != nil {
		return err
	}
	if err := x.store.AddSegment(name); err != nil {
		r.RemoveFiles() //nolint:errcheck // best effort on the failure path
		return err
	}

	x.mu.Lock()
	x.persistent = append(x.persistent, r)
	x.vol = volatile.NewSegment(x.analyzer)
	segments := len(x.persistent)
	x.mu.Unlock()

	if err := x.queue.Clear(); err != nil {
		return err
	}
	x.store.CleanupObsolete()
	x.metrics.Flushes.Inc()
	x.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	x.metrics.SegmentCount.Set(float64(segments))
	x.logger.Info("Flushed volatile segment.",
		"segment", name, "docs", len(docs), "duration", time.Since(start))
	x.merger.NotifyIndexChanged()
	return nil
}

func (x *SearchIndex) openReader(name string) (*segment.Reader, error) {
	return segment.Open(segment.ReaderOptions{
		Dir:                   x.dir,
		Name:                  name,
		Logger:                x.logger,
		CreationTick:          x.ticks.Next(),
		ParentCacheBatchSize:  x.cfg.Segment.ParentCacheBatchSize,
		IdentityCacheCapacity: x.cfg.Segment.IdentityCacheCapacity,
	})
}

// View returns an immutable snapshot of the current segment composition.
func (x *SearchIndex) View() *view.MultiSegmentView {
	x.mu.RLock()
	defer x.mu.RUnlock()
	segments := make([]core.SegmentView, 0, len(x.persistent)+1)
	for _, r := range x.persistent {
		segments = append(segments, r)
	}
	segments = append(segments, x.vol)
	return view.NewView(segments...)
}

// Search translates and executes a statement against the current snapshot.
func (x *SearchIndex) Search(ctx context.Context, stmt *query.Statement, offset, limit int64) (executor.Hits, error) {
	if x.closed.Load() {
		return nil, core.ErrIndexClosed
	}
	q, err := x.translator.Translate(stmt)
	if err != nil {
		return nil, err
	}
	return x.exec.Execute(ctx, x.View(), q, offset, limit)
}

// Excerpt renders a highlighted excerpt of the identified node's extracted
// text, highlighting the full-text terms of the statement. A statement
// without full-text constraints still yields the leading fragment.
func (x *SearchIndex) Excerpt(stmt *query.Statement, identity string) (string, error) {
	if x.closed.Load() {
		return "", core.ErrIndexClosed
	}
	v := x.View()
	n, err := v.LookupIdentity(identity)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("node %s is not indexed", identity)
	}
	d, err := v.Document(uint32(n), core.SelectText)
	if err != nil {
		return "", err
	}
	var terms []string
	if stmt != nil && stmt.Constraint != nil {
		terms = x.translator.FullTextTerms(stmt.Constraint)
	}
	return x.excerpts.Excerpt(d.Text, terms), nil
}

// RegisterDeleteListener subscribes to removals; the returned function
// unsubscribes. Merges use this to replay deletions that raced the copy.
func (x *SearchIndex) RegisterDeleteListener(l core.DeleteListener) func() {
	x.listeners.Lock()
	defer x.listeners.Unlock()
	id := x.listeners.next
	x.listeners.next++
	x.listeners.m[id] = l
	return func() {
		x.listeners.Lock()
		defer x.listeners.Unlock()
		delete(x.listeners.m, id)
	}
}

func (x *SearchIndex) notifyDeleted(id string) {
	x.listeners.Lock()
	defer x.listeners.Unlock()
	for _, l := range x.listeners.m {
		l.DocumentDeleted(id)
	}
}

// SegmentSizes implements merger.Source: live counts in metastore
// registration order.
func (x *SearchIndex) SegmentSizes() []merger.SegmentSize {
	x.mu.RLock()
	byName := make(map[string]*segment.Reader, len(x.persistent))
	for _, r := range x.persistent {
		byName[r.Name()] = r
	}
	x.mu.RUnlock()

	var sizes []merger.SegmentSize
	for _, info := range x.store.Snapshot().Entries {
		if r, ok := byName[info.Name]; ok {
			sizes = append(sizes, merger.SegmentSize{Name: info.Name, Docs: r.LiveDocumentCount()})
		}
	}
	return sizes
}

// WaitForMerges blocks until the background merger drains, for tests and
// orderly maintenance windows.
func (x *SearchIndex) WaitForMerges(ctx context.Context) error {
	return x.merger.WaitUntilIdle(ctx)
}

// Close flushes buffered documents, stops the merger, and blocks any merge
// still trying to commit.
func (x *SearchIndex) Close(ctx context.Context) error {
	if x.closed.Swap(true) {
		return nil
	}
	x.ingest.Lock()
	flushErr := x.flushLocked(ctx)
	x.ingest.Unlock()

	grace, err := x.cfg.ShutdownGracePeriod()
	if err != nil {
		grace = 5 * time.Second
	}
	x.merger.Stop(grace)
	x.replaceGate.Lock() // abandoned merges can no longer swap segments
	defer x.replaceGate.Unlock()

	if err := x.queue.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	x.logger.Info("Index closed.")
	return flushErr
}
