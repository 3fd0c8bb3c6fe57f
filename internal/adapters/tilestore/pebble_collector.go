package tilestore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	memtableSize            *prometheus.Desc
	walFiles                *prometheus.Desc
	walSize                 *prometheus.Desc
	diskSpaceUsage          *prometheus.Desc
}

// Collector exposes the storage engine metrics of the pebble tier
func (p *Pebble) Collector() prometheus.Collector {
	return &pebbleCollector{
		db: p.db,

		compactionCount: prometheus.NewDesc(
			"tilestream_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"tilestream_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"tilestream_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		walFiles: prometheus.NewDesc(
			"tilestream_pebble_wal_files",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"tilestream_pebble_wal_size_bytes",
			"Size of the live WAL data in bytes",
			nil, nil,
		),
		diskSpaceUsage: prometheus.NewDesc(
			"tilestream_pebble_disk_space_usage_bytes",
			"Total disk space used by the tile store",
			nil, nil,
		),
	}
}

func (pc *pebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.memtableSize
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.diskSpaceUsage
}

func (pc *pebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(metrics.WAL.Files))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.diskSpaceUsage, prometheus.GaugeValue, float64(metrics.DiskSpaceUsage()))
}
