package keydex

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
	get  func(m *pebble.Metrics) float64
}

// PebbleCollector exports compaction, memtable and WAL statistics of one
// backing database. The store label tells the index's databases apart
// (inverted storage, contents map, forward map).
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB, index, store string) *PebbleCollector {
	labels := prometheus.Labels{"index": index, "store": store}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("keydex_pebble_"+name, help, nil, labels)
	}
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			{desc("compaction_count_total", "Total number of compactions performed"),
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{desc("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{desc("compaction_in_progress_bytes", "Bytes being compacted currently"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{desc("memtable_size_bytes", "Current size of the memtable in bytes"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{desc("memtable_count_total", "Current count of memtables"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{desc("wal_files_total", "Number of live WAL files"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{desc("wal_size_bytes", "Size of live WAL data in bytes"),
				prometheus.GaugeValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{desc("wal_bytes_written_total", "Total physical bytes written to the WAL"),
				prometheus.CounterValue, func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.get(stats))
	}
}
