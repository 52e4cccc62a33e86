// Package merger schedules background segment merges. Segments are grouped
// into geometrically growing size buckets; when enough segments of similar
// size accumulate, the oldest of them are merged into one. The merge
// operation itself is supplied by the index, so the scheduler stays free of
// storage concerns.
package merger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussearch/core"
)

// SegmentSize is one registered segment with its live document count, in
// registration order (oldest first).
type SegmentSize struct {
	Name string
	Docs uint32
}

// Source reports the current segment set to the scheduler.
type Source interface {
	SegmentSizes() []SegmentSize
}

// MergeFunc performs one merge: read the named segments, write their
// union, and atomically swap. Returning core.ErrMergeAbandoned drops the
// task without retry.
type MergeFunc func(ctx context.Context, names []string) error

const (
	taskQueueSize = 64
	retryDelay    = time.Second
)

// Options configures a Merger.
type Options struct {
	// MergeFactor is both the bucket growth factor and the number of
	// same-bucket segments that triggers a merge.
	MergeFactor int
	// MinMergeDocs is the upper bound of the smallest bucket.
	MinMergeDocs int
	// MaxMergeDocs caps merged segment size; larger segments are left
	// alone forever.
	MaxMergeDocs int
	// Workers is the merge concurrency.
	Workers int
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Merger is the scheduler. Workers exist from construction but stay
// blocked until Start, so an index can finish recovery before any merge
// touches its segments.
type Merger struct {
	opts  Options
	src   Source
	merge MergeFunc

	tasks   chan task
	started chan struct{}
	quit    chan struct{}
	done    chan struct{}
	group   *errgroup.Group

	mu       sync.Mutex
	idle     *sync.Cond
	inFlight map[string]bool
	pending  int

	startOnce sync.Once
	stopOnce  sync.Once
}

type task struct {
	names []string
}

// New creates the scheduler and its (blocked) worker pool.
func New(src Source, merge MergeFunc, opts Options) *Merger {
	if opts.MergeFactor < 2 {
		opts.MergeFactor = 10
	}
	if opts.MinMergeDocs <= 0 {
		opts.MinMergeDocs = 100
	}
	if opts.MaxMergeDocs <= 0 {
		opts.MaxMergeDocs = 1 << 31
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "IndexMerger")

	m := &Merger{
		opts:     opts,
		src:      src,
		merge:    merge,
		tasks:    make(chan task, taskQueueSize),
		started:  make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		inFlight: make(map[string]bool),
	}
	m.idle = sync.NewCond(&m.mu)

	m.group = &errgroup.Group{}
	for i := 0; i < opts.Workers; i++ {
		m.group.Go(m.worker)
	}
	go func() {
		m.group.Wait() //nolint:errcheck // workers never return errors
		close(m.done)
	}()
	return m
}

// Start releases the worker pool.
func (m *Merger) Start() {
	m.startOnce.Do(func() { close(m.started) })
}

// NotifyIndexChanged re-evaluates the bucket layout and enqueues any merge
// the new segment set warrants. Cheap enough to call after every flush and
// every completed merge.
func (m *Merger) NotifyIndexChanged() {
	sizes := m.src.SegmentSizes()

	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := make(map[int][]SegmentSize)
	for _, s := range sizes {
		if m.inFlight[s.Name] || int(s.Docs) > m.opts.MaxMergeDocs {
			continue
		}
		b := m.bucketIndex(s.Docs)
		buckets[b] = append(buckets[b], s)
	}
	for _, members := range buckets {
		if len(members) < m.opts.MergeFactor {
			continue
		}
		// Oldest members first, bounded by the merged-size cap.
		var names []string
		var total int
		for _, s := range members {
			if total+int(s.Docs) > m.opts.MaxMergeDocs && len(names) >= 2 {
				break
			}
			names = append(names, s.Name)
			total += int(s.Docs)
		}
		if len(names) < 2 {
			continue
		}
		m.enqueueLocked(task{names: names})
	}
}

// bucketIndex maps a live document count to its size bucket. Bucket 0
// covers [0, MinMergeDocs); each further bucket is MergeFactor wider.
func (m *Merger) bucketIndex(docs uint32) int {
	b := 0
	upper := m.opts.MinMergeDocs
	for int(docs) >= upper {
		upper *= m.opts.MergeFactor
		b++
	}
	return b
}

// enqueueLocked registers and queues a task. Caller holds m.mu.
func (m *Merger) enqueueLocked(t task) {
	select {
	case m.tasks <- t:
		for _, name := range t.names {
			m.inFlight[name] = true
		}
		m.pending++
	default:
		// Queue full; the next NotifyIndexChanged will see these segments
		// again.
		m.opts.Logger.Warn("Merge queue full, deferring task.", "segments", len(t.names))
	}
}

func (m *Merger) worker() error {
	select {
	case <-m.started:
	case <-m.quit:
		return nil
	}
	for {
		select {
		case <-m.quit:
			return nil
		case t := <-m.tasks:
			m.runTask(t)
		}
	}
}

func (m *Merger) runTask(t task) {
	ctx := context.Background()
	if m.opts.Tracer != nil {
		var span trace.Span
		ctx, span = m.opts.Tracer.Start(ctx, "merger.runTask")
		defer span.End()
	}

	start := time.Now()
	err := m.merge(ctx, t.names)

	m.mu.Lock()
	for _, name := range t.names {
		delete(m.inFlight, name)
	}
	m.pending--
	m.idle.Broadcast()
	m.mu.Unlock()

	switch {
	case err == nil:
		m.opts.Logger.Info("Merge completed.",
			"segments", len(t.names), "duration", time.Since(start))
		m.NotifyIndexChanged()
	case errors.Is(err, core.ErrMergeAbandoned):
		m.opts.Logger.Debug("Merge abandoned.", "segments", t.names)
	default:
		m.opts.Logger.Error("Merge failed, requeueing.",
			"segments", t.names, "error", err)
		m.requeueAfterDelay(t)
	}
}

// requeueAfterDelay puts a failed task back on the queue once the retry
// delay passes, unless the merger is shutting down.
func (m *Merger) requeueAfterDelay(t task) {
	m.mu.Lock()
	for _, name := range t.names {
		m.inFlight[name] = true
	}
	m.pending++
	m.mu.Unlock()

	go func() {
		select {
		case <-m.quit:
			m.mu.Lock()
			for _, name := range t.names {
				delete(m.inFlight, name)
			}
			m.pending--
			m.idle.Broadcast()
			m.mu.Unlock()
		case <-time.After(retryDelay):
			select {
			case m.tasks <- t:
			case <-m.quit:
				m.mu.Lock()
				for _, name := range t.names {
					delete(m.inFlight, name)
				}
				m.pending--
				m.idle.Broadcast()
				m.mu.Unlock()
			}
		}
	}()
}

// WaitUntilIdle blocks until no merge is queued or running, or the context
// ends.
func (m *Merger) WaitUntilIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.idle.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.idle.Wait()
	}
	return nil
}

// Stop shuts the pool down, waiting up to grace for running merges to
// finish. Merges still running after the grace period are abandoned at
// their next replace attempt.
func (m *Merger) Stop(grace time.Duration) {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.Start() // unblock workers that never started
	})
	select {
	case <-m.done:
	case <-time.After(grace):
		m.opts.Logger.Warn("Merger stop grace period elapsed, abandoning running merges.")
	}
}
