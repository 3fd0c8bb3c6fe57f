package cache

import "github.com/prometheus/client_golang/prometheus"

var lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Cache lookups by the tier that answered them",
}, []string{"tier"})

var lookupsCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "lookups_coalesced_total",
	Help:      "Lookups that joined a lower-tier lookup already in progress",
})

var tierReadErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "tier_read_errors_total",
}, []string{"tier"})

var tierWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "tier_writes_total",
}, []string{"tier", "result"})

var tierWriteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "tier_write_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"tier"})

var memoryEntries = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "memory_entries",
})

var memoryEvictions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tilestream",
	Subsystem: "cache",
	Name:      "memory_evictions_total",
})

// Collectors returns the cache metrics for registration with a prometheus registry
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		lookups,
		lookupsCoalesced,
		tierReadErrors,
		tierWrites,
		tierWriteDuration,
		memoryEntries,
		memoryEvictions,
	}
}
