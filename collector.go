package driftdb

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// storageMetric maps one pebble metric onto a prometheus series.
type storageMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func storageDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("driftdb_storage_"+name, help, nil, nil)
}

// StorageCollector exports the cache's pebble internals: compaction
// pressure, memtable footprint and WAL volume. Register it to watch a
// client that syncs large result sets.
type StorageCollector struct {
	db      *pebble.DB
	metrics []storageMetric
}

func NewStorageCollector(db *pebble.DB) *StorageCollector {
	return &StorageCollector{
		db: db,
		metrics: []storageMetric{
			{
				storageDesc("compaction_count_total", "Compactions performed"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) },
			},
			{
				storageDesc("compaction_estimated_debt_bytes", "Bytes pending compaction to reach a stable state"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) },
			},
			{
				storageDesc("compaction_in_progress_bytes", "Bytes being compacted right now"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) },
			},
			{
				storageDesc("memtable_size_bytes", "Memtable size"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) },
			},
			{
				storageDesc("memtable_count", "Live memtables"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) },
			},
			{
				storageDesc("wal_files", "Live WAL files"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) },
			},
			{
				storageDesc("wal_size_bytes", "Live WAL data"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) },
			},
			{
				storageDesc("wal_bytes_written_total", "Physical bytes written to the WAL"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) },
			},
			{
				storageDesc("disk_usage_bytes", "Total disk space used by the cache"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) },
			},
		},
	}
}

func (c *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := c.db.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics))
	}
}
