package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/segment"
)

// deleteRecorder captures identities removed while a merge is copying, so
// the deletions can be replayed against the merged segment after the swap.
type deleteRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *deleteRecorder) DocumentDeleted(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *deleteRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// doMerge is the MergeFunc handed to the merger: copy the live documents
// of the input segments into one new segment, atomically swap it in, then
// replay deletions that raced the copy.
func (x *SearchIndex) doMerge(ctx context.Context, names []string) error {
	if x.closed.Load() {
		return core.ErrMergeAbandoned
	}

	x.mu.RLock()
	byName := make(map[string]*segment.Reader, len(x.persistent))
	for _, r := range x.persistent {
		byName[r.Name()] = r
	}
	x.mu.RUnlock()

	inputs := make([]*segment.Reader, 0, len(names))
	for _, name := range names {
		r, ok := byName[name]
		if !ok {
			// The segment set changed under the scheduled task.
			return core.ErrMergeAbandoned
		}
		inputs = append(inputs, r)
	}

	recorder := &deleteRecorder{}
	unregister := x.RegisterDeleteListener(recorder)
	defer unregister()

	start := time.Now()
	newName := x.store.NewSegmentName()
	w, err := segment.NewWriter(segment.WriterOptions{
		Dir:        x.dir,
		Name:       newName,
		Compressor: x.compressor,
		Analyzer:   x.analyzer,
		Tracer:     x.tracer,
		Logger:     x.logger,
	})
	if err != nil {
		return err
	}

	var copied int
	for _, r := range inputs {
		count := r.DocumentCount()
		for n := uint32(0); n < count; n++ {
			if r.IsDeleted(n) {
				continue
			}
			d, err := r.Document(n, core.SelectAll)
			if err != nil {
				w.Abort()
				return fmt.Errorf("failed to read doc %d of segment %s: %w", n, r.Name(), err)
			}
			if err := w.AddDocument(d); err != nil {
				w.Abort()
				return err
			}
			copied++
		}
	}
	if x.mergeCopyDone != nil {
		x.mergeCopyDone()
	}
	if err := w.Finish(ctx); err != nil {
		return err
	}
	merged, err := x.openReader(newName)
	if err != nil {
		return err
	}

	if err := x.swapSegments(names, inputs, merged); err != nil {
		merged.RemoveFiles() //nolint:errcheck // best effort on the failure path
		return err
	}

	// Replay removals that happened between the copy and the swap. The
	// recorder must be unregistered before it is read: afterwards no new
	// notification can arrive, and a removal notified later re-validates
	// against the swapped-in set itself. Most recorded identities never
	// lived in the inputs; the lookup miss is the filter.
	unregister()
	for _, id := range recorder.recorded() {
		n, err := merged.LookupIdentity(id)
		if err != nil || n < 0 {
			continue
		}
		if err := merged.Delete(uint32(n)); err != nil {
			return fmt.Errorf("failed to replay deletion of %s on merged segment: %w", id, err)
		}
	}

	x.mu.RLock()
	segments := len(x.persistent)
	x.mu.RUnlock()
	x.store.CleanupObsolete()
	x.metrics.Merges.Inc()
	x.metrics.MergeDuration.Observe(time.Since(start).Seconds())
	x.metrics.SegmentCount.Set(float64(segments))
	x.logger.Info("Merged segments.",
		"inputs", names, "segment", newName, "docs", copied, "duration", time.Since(start))
	return nil
}

// swapSegments commits a merge: the metadata replace and the in-memory
// segment swap under the shared side of the replace gate. Failing to take
// the gate means shutdown holds the exclusive side, abandoning the merge.
func (x *SearchIndex) swapSegments(old []string, inputs []*segment.Reader, merged *segment.Reader) error {
	if !x.replaceGate.TryRLock() {
		return core.ErrMergeAbandoned
	}
	defer x.replaceGate.RUnlock()

	if err := x.store.ReplaceSegments(old, merged.Name()); err != nil {
		return err
	}

	oldNames := make(map[string]bool, len(old))
	for _, name := range old {
		oldNames[name] = true
	}

	x.mu.Lock()
	next := make([]*segment.Reader, 0, len(x.persistent))
	inserted := false
	for _, r := range x.persistent {
		if oldNames[r.Name()] {
			if !inserted {
				next = append(next, merged)
				inserted = true
			}
			continue
		}
		next = append(next, r)
	}
	if !inserted {
		next = append(next, merged)
	}
	x.persistent = next
	x.mu.Unlock()

	for _, r := range inputs {
		if err := r.RemoveFiles(); err != nil {
			x.logger.Warn("Failed to remove merged-away segment files.",
				"segment", r.Name(), "error", err)
		}
	}
	return nil
}
