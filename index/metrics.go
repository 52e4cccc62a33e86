package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the index's instrumentation surface. A nil registerer keeps
// the collectors alive but unregistered, which tests rely on.
type Metrics struct {
	DocsIndexed   prometheus.Counter
	DocsRemoved   prometheus.Counter
	Flushes       prometheus.Counter
	FlushDuration prometheus.Histogram
	Merges        prometheus.Counter
	MergeDuration prometheus.Histogram
	QueryDuration prometheus.Histogram
	SegmentCount  prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DocsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexussearch_documents_indexed_total",
			Help: "Documents added to the index.",
		}),
		DocsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexussearch_documents_removed_total",
			Help: "Documents removed from the index.",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexussearch_flushes_total",
			Help: "Volatile segment flushes to persistent segments.",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexussearch_flush_duration_seconds",
			Help:    "Duration of volatile segment flushes.",
			Buckets: prometheus.DefBuckets,
		}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexussearch_merges_total",
			Help: "Completed segment merges.",
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexussearch_merge_duration_seconds",
			Help:    "Duration of segment merges.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexussearch_query_duration_seconds",
			Help:    "End-to-end query execution latency.",
			Buckets: prometheus.DefBuckets,
		}),
		SegmentCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexussearch_segments",
			Help: "Number of live persistent segments.",
		}),
	}
}
