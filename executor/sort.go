package executor

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/query"
	"github.com/INLOpen/nexussearch/view"
)

// Adaptive prefetch bounds for sorted queries: the first top-N collection
// covers offset+limit clamped into this window, and consuming past the
// collected prefix doubles the request and re-runs the collection.
const (
	sortBatchFloor   = 32
	sortBatchCeiling = 2048
)

// sortKey is one precomputed comparator input. Values compare by their
// order-preserving encoded form; a missing value is null and sorts after
// every non-null value regardless of direction.
type sortKey struct {
	null    bool
	encoded string
}

type sortedHits struct {
	exec    *Executor
	view    *view.MultiSegmentView
	q       *query.Query
	rows    []query.Row
	results map[string]*query.Result

	keyCache map[int][]sortKey
	order    []int // sorted row indices, len == batch
	batch    int
	pos      int64
}

func newSortedHits(e *Executor, v *view.MultiSegmentView, q *query.Query, rows []query.Row, results map[string]*query.Result, offset, limit int64) *sortedHits {
	h := &sortedHits{
		exec:     e,
		view:     v,
		q:        q,
		rows:     rows,
		results:  results,
		keyCache: make(map[int][]sortKey),
	}
	batch := int64(len(rows))
	if limit >= 0 {
		batch = offset + limit
		if batch < sortBatchFloor {
			batch = sortBatchFloor
		}
		if batch > sortBatchCeiling {
			batch = sortBatchCeiling
		}
	}
	h.collect(int(batch))
	return h
}

// collect re-runs the top-N selection from scratch for the given batch
// size, keeping the N best rows in a bounded heap instead of sorting all
// candidates. The comparator is a total order (row order breaks ties), so
// a larger batch is always a prefix extension of a smaller one.
func (h *sortedHits) collect(batch int) {
	if batch > len(h.rows) {
		batch = len(h.rows)
	}
	top := &rowHeap{h: h}
	for i := range h.rows {
		if top.Len() < batch {
			heap.Push(top, i)
			continue
		}
		if h.less(i, top.rows[0]) {
			top.rows[0] = i
			heap.Fix(top, 0)
		}
	}
	order := make([]int, top.Len())
	for i := len(order) - 1; i >= 0; i-- {
		order[i] = heap.Pop(top).(int)
	}
	h.order = order
	h.batch = batch
}

// rowHeap is a max-heap on the row comparator: the root is the worst row
// of the current batch, so a better candidate replaces it in O(log n).
type rowHeap struct {
	h    *sortedHits
	rows []int
}

func (r *rowHeap) Len() int           { return len(r.rows) }
func (r *rowHeap) Less(i, j int) bool { return r.h.less(r.rows[j], r.rows[i]) }
func (r *rowHeap) Swap(i, j int)      { r.rows[i], r.rows[j] = r.rows[j], r.rows[i] }

func (r *rowHeap) Push(v any) { r.rows = append(r.rows, v.(int)) }

func (r *rowHeap) Pop() any {
	v := r.rows[len(r.rows)-1]
	r.rows = r.rows[:len(r.rows)-1]
	return v
}

func (h *sortedHits) less(i, j int) bool {
	ki := h.keysFor(i)
	kj := h.keysFor(j)
	for k, o := range h.q.Orderings {
		c := compareKeys(ki[k], kj[k], o.Descending)
		if c != 0 {
			return c < 0
		}
	}
	return i < j
}

func compareKeys(a, b sortKey, descending bool) int {
	switch {
	case a.null && b.null:
		return 0
	case a.null:
		return 1
	case b.null:
		return -1
	}
	c := strings.Compare(a.encoded, b.encoded)
	if descending {
		c = -c
	}
	return c
}

// keysFor computes and caches the sort keys of one row.
func (h *sortedHits) keysFor(rowIdx int) []sortKey {
	if keys, ok := h.keyCache[rowIdx]; ok {
		return keys
	}
	keys := make([]sortKey, len(h.q.Orderings))
	row := h.rows[rowIdx]
	for k, o := range h.q.Orderings {
		keys[k] = h.keyFor(row, o)
	}
	h.keyCache[rowIdx] = keys
	return keys
}

// keyFor resolves one ordering key on one row: the stored property value
// when present, otherwise a live item-state lookup, which also serves
// relative-path keys ("child/title") that are never stored on the matched
// node itself.
func (h *sortedHits) keyFor(row query.Row, o query.Ordering) sortKey {
	selector := o.Selector
	if selector == "" {
		selector = h.q.PrimarySelector()
	}
	doc, ok := row[selector]
	if !ok || doc == query.NullDoc {
		return sortKey{null: true}
	}

	path := strings.Split(o.Property, "/")
	if len(path) == 1 {
		d, err := h.view.Document(uint32(doc), core.SelectProperties)
		if err == nil {
			if values := d.Properties[o.Property]; len(values) > 0 {
				return encodeKey(values[0])
			}
		}
	}
	if h.exec.states == nil {
		return sortKey{null: true}
	}
	d, err := h.view.Document(uint32(doc), core.SelectIdentity)
	if err != nil {
		return sortKey{null: true}
	}
	value, ok := h.exec.states.PropertyViaPath(d.ID, path)
	if !ok {
		return sortKey{null: true}
	}
	return encodeKey(value)
}

func encodeKey(v core.Value) sortKey {
	encoded, err := core.EncodeValue(v)
	if err != nil {
		// Unencodable values still need a total order; raw text suffices.
		return sortKey{encoded: v.Raw}
	}
	return sortKey{encoded: encoded}
}

// ensure grows the collected prefix until it covers position pos.
func (h *sortedHits) ensure(pos int64) {
	for int64(h.batch) <= pos && h.batch < len(h.rows) {
		next := h.batch * 2
		if next < sortBatchFloor {
			next = sortBatchFloor
		}
		h.collect(next)
	}
}

func (h *sortedHits) Next() (*Hit, error) {
	h.ensure(h.pos)
	if h.pos >= int64(len(h.order)) {
		return nil, nil
	}
	row := h.rows[h.order[h.pos]]
	h.pos++
	return h.exec.hit(h.view, h.q, h.results, row)
}

func (h *sortedHits) Skip(n int64) error {
	if n < 0 {
		return fmt.Errorf("cannot skip backwards by %d", n)
	}
	h.pos += n
	return nil
}

func (h *sortedHits) Size() int { return len(h.rows) }
