package keydex

import (
	"github.com/prometheus/client_golang/prometheus"
)

var UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keydex",
	Subsystem: "engine",
	Name:      "updates",
}, []string{"index", "result"})

var UpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "keydex",
	Subsystem: "engine",
	Name:      "update_duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"index", "phase"})

var IndexerInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keydex",
	Subsystem: "engine",
	Name:      "indexer_invocations",
}, []string{"index"})

var CachedDataReads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keydex",
	Subsystem: "contents",
	Name:      "cached_reads",
}, []string{"index", "result"})

var RebuildRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "keydex",
	Subsystem: "engine",
	Name:      "rebuild_requests",
}, []string{"index"})

var BufferingSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "keydex",
	Subsystem: "storage",
	Name:      "buffering",
}, []string{"index"})

// RegisterMetrics registers the engine-wide metric vectors with reg.
// Per-index pebble collectors come from MapReduceIndex.Collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		UpdateCount,
		UpdateDuration,
		IndexerInvocations,
		CachedDataReads,
		RebuildRequests,
		BufferingSessions,
	)
}
