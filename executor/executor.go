// Package executor runs translated queries against a view snapshot and
// exposes the results as a lazy, pageable hit sequence.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/nodestate"
	"github.com/INLOpen/nexussearch/query"
	"github.com/INLOpen/nexussearch/view"
)

// Hit is one result: the matched node identity, its score, and the full
// row for joined queries.
type Hit struct {
	Identity string
	Score    float64
	Row      query.Row
}

// Hits is a lazy forward-only result sequence.
type Hits interface {
	// Next returns the next hit, or nil when the sequence is exhausted.
	Next() (*Hit, error)
	// Skip advances past n hits without materializing them.
	Skip(n int64) error
	// Size returns the total number of hits in the sequence.
	Size() int
}

// Options configures an Executor.
type Options struct {
	States  nodestate.Manager // nil disables relative-path sort keys
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Latency prometheus.Observer // query latency, nil disables
}

// Executor evaluates queries. It is stateless across queries and safe for
// concurrent use; each call runs against the caller's view snapshot.
type Executor struct {
	states  nodestate.Manager
	logger  *slog.Logger
	tracer  trace.Tracer
	latency prometheus.Observer
}

// New creates an executor.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		states:  opts.States,
		logger:  logger.With("component", "QueryExecutor"),
		tracer:  opts.Tracer,
		latency: opts.Latency,
	}
}

// Execute runs the query and returns the hit sequence starting at offset,
// capped at limit hits. A limit below zero means unbounded.
func (e *Executor) Execute(ctx context.Context, v *view.MultiSegmentView, q *query.Query, offset, limit int64) (Hits, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "executor.Execute")
		defer span.End()
	}
	if offset < 0 {
		return nil, core.Invalidf("negative offset %d", offset)
	}
	start := time.Now()

	rows, results, err := q.EvaluateRows(v)
	if err != nil {
		return nil, fmt.Errorf("query evaluation failed: %w", err)
	}

	var hits Hits
	if len(q.Orderings) == 0 {
		hits = &streamHits{exec: e, view: v, q: q, rows: rows, results: results}
	} else {
		hits = newSortedHits(e, v, q, rows, results, offset, limit)
	}
	if err := hits.Skip(offset); err != nil {
		return nil, err
	}
	if limit >= 0 {
		hits = &limitHits{inner: hits, remaining: limit}
	}

	if e.latency != nil {
		e.latency.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("Query executed.",
		"total_hits", len(rows), "offset", offset, "limit", limit,
		"duration", time.Since(start))
	return hits, nil
}

// hit materializes one row into a Hit. The identity column is the primary
// selector; an outer-join row with a null primary reports an empty
// identity and zero score.
func (e *Executor) hit(v *view.MultiSegmentView, q *query.Query, results map[string]*query.Result, row query.Row) (*Hit, error) {
	primary := q.PrimarySelector()
	doc := row[primary]
	if doc == query.NullDoc {
		return &Hit{Row: row}, nil
	}
	d, err := v.Document(uint32(doc), core.SelectIdentity)
	if err != nil {
		return nil, err
	}
	return &Hit{
		Identity: d.ID,
		Score:    results[primary].Score(uint32(doc)),
		Row:      row,
	}, nil
}

// streamHits serves unsorted queries directly from the row slice. Skip is
// index arithmetic; documents are only loaded for consumed hits.
type streamHits struct {
	exec    *Executor
	view    *view.MultiSegmentView
	q       *query.Query
	rows    []query.Row
	results map[string]*query.Result
	pos     int64
}

func (h *streamHits) Next() (*Hit, error) {
	if h.pos >= int64(len(h.rows)) {
		return nil, nil
	}
	row := h.rows[h.pos]
	h.pos++
	return h.exec.hit(h.view, h.q, h.results, row)
}

func (h *streamHits) Skip(n int64) error {
	if n < 0 {
		return fmt.Errorf("cannot skip backwards by %d", n)
	}
	h.pos += n
	return nil
}

func (h *streamHits) Size() int { return len(h.rows) }

// limitHits caps a sequence at a fixed number of consumed hits.
type limitHits struct {
	inner     Hits
	remaining int64
}

func (h *limitHits) Next() (*Hit, error) {
	if h.remaining <= 0 {
		return nil, nil
	}
	hit, err := h.inner.Next()
	if err != nil || hit == nil {
		return nil, err
	}
	h.remaining--
	return hit, nil
}

func (h *limitHits) Skip(n int64) error {
	if n > h.remaining {
		n = h.remaining
	}
	h.remaining -= n
	return h.inner.Skip(n)
}

func (h *limitHits) Size() int { return h.inner.Size() }
