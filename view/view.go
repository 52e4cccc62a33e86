// Package view composes the current segment set (persistent segments plus
// the volatile segment) into a single logical document space with global
// doc numbers. A view is an immutable snapshot of the composition: segment
// replacement produces a new view, never mutates an existing one.
package view

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/nexussearch/core"
)

// TickCounter is the process-wide creation tick. The composition layer
// owns exactly one and injects the next tick into each segment reader at
// construction; caches that outlive a segment generation validate against
// it. Increment is the only operation, and it is atomic.
type TickCounter struct {
	n atomic.Uint64
}

// Next returns a strictly increasing tick.
func (c *TickCounter) Next() uint64 {
	return c.n.Add(1)
}

// MultiSegmentView is a read-only composition of N segments. Global doc
// numbers are assigned by cumulative document-count offsets in segment
// order; a binary search over the offset table translates a global number
// back to (segment, local number).
type MultiSegmentView struct {
	segments []core.SegmentView
	offsets  []uint32 // offsets[i] is the global number of segment i's doc 0
	total    uint32
}

// NewView composes the given segments in order. The volatile segment, when
// present, is conventionally last.
func NewView(segments ...core.SegmentView) *MultiSegmentView {
	v := &MultiSegmentView{
		segments: segments,
		offsets:  make([]uint32, len(segments)),
	}
	var total uint32
	for i, seg := range segments {
		v.offsets[i] = total
		total += seg.DocumentCount()
	}
	v.total = total
	return v
}

// Segments returns the composed segments in order.
func (v *MultiSegmentView) Segments() []core.SegmentView { return v.segments }

// DocumentCount returns the size of the global document space, including
// deleted documents.
func (v *MultiSegmentView) DocumentCount() uint32 { return v.total }

// LiveDocumentCount sums the live counts of all segments.
func (v *MultiSegmentView) LiveDocumentCount() uint32 {
	var n uint32
	for _, seg := range v.segments {
		n += seg.LiveDocumentCount()
	}
	return n
}

// Owner translates a global doc number into its owning segment and the
// segment-local doc number.
func (v *MultiSegmentView) Owner(global uint32) (core.SegmentView, uint32, error) {
	if global >= v.total {
		return nil, 0, fmt.Errorf("global doc number %d out of range (%d docs)", global, v.total)
	}
	// First segment whose offset is beyond the target, minus one.
	i := sort.Search(len(v.offsets), func(i int) bool { return v.offsets[i] > global }) - 1
	return v.segments[i], global - v.offsets[i], nil
}

// Base returns the global doc number of segment i's local doc 0.
func (v *MultiSegmentView) Base(i int) uint32 { return v.offsets[i] }

// IsDeleted delegates after global-to-local translation.
func (v *MultiSegmentView) IsDeleted(global uint32) bool {
	seg, local, err := v.Owner(global)
	if err != nil {
		return true
	}
	return seg.IsDeleted(local)
}

// Document delegates after global-to-local translation.
func (v *MultiSegmentView) Document(global uint32, sel core.FieldSelector) (*core.Document, error) {
	seg, local, err := v.Owner(global)
	if err != nil {
		return nil, err
	}
	return seg.Document(local, sel)
}

// Parent resolves the parent of a global doc number. A local DocId in the
// result is scoped to the returned owning segment.
func (v *MultiSegmentView) Parent(global uint32) (core.DocId, core.SegmentView, error) {
	seg, local, err := v.Owner(global)
	if err != nil {
		return core.NullDocId, nil, err
	}
	id, err := seg.Parent(local)
	return id, seg, err
}

// TermMatches unions the live postings of the field/term pair across all
// segments, shifted into global doc numbers.
func (v *MultiSegmentView) TermMatches(field, term string) (*roaring.Bitmap, error) {
	result := roaring.New()
	for i, seg := range v.segments {
		postings, err := seg.TermMatches(field, term)
		if err != nil {
			return nil, err
		}
		if postings.IsEmpty() {
			continue
		}
		live := postings.Clone()
		live.AndNot(seg.DeletedDocs())
		if live.IsEmpty() {
			continue
		}
		result.Or(roaring.AddOffset(live, v.offsets[i]))
	}
	return result, nil
}

// VisitTermRange walks the ordered term range on every segment; postings
// handed to the visitor are live and global.
func (v *MultiSegmentView) VisitTermRange(field, lo, hi string, includeLo, includeHi bool, visit core.TermVisitor) error {
	for i, seg := range v.segments {
		base := v.offsets[i]
		deleted := seg.DeletedDocs()
		err := seg.VisitTermRange(field, lo, hi, includeLo, includeHi, func(term string, postings *roaring.Bitmap) bool {
			live := postings.Clone()
			live.AndNot(deleted)
			if live.IsEmpty() {
				return true
			}
			return visit(term, roaring.AddOffset(live, base))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LookupIdentity resolves a node identity to its global doc number, or -1
// when no live document carries it anywhere in the view.
func (v *MultiSegmentView) LookupIdentity(id string) (int64, error) {
	for i, seg := range v.segments {
		local, err := seg.LookupIdentity(id)
		if err != nil {
			return -1, err
		}
		if local >= 0 {
			return int64(v.offsets[i]) + local, nil
		}
	}
	return -1, nil
}

// LiveDocs returns the bitmap of all live global doc numbers.
func (v *MultiSegmentView) LiveDocs() *roaring.Bitmap {
	result := roaring.New()
	for i, seg := range v.segments {
		count := seg.DocumentCount()
		if count == 0 {
			continue
		}
		all := roaring.New()
		all.AddRange(0, uint64(count))
		all.AndNot(seg.DeletedDocs())
		result.Or(roaring.AddOffset(all, v.offsets[i]))
	}
	return result
}
