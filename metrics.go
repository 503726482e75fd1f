package vmcache

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// counters are the buffer manager's event counts. They are plain atomics
// read by both Stats and the prometheus collectors.
type counters struct {
	faults      atomic.Uint64
	reads       atomic.Uint64
	writes      atomic.Uint64
	evictions   atomic.Uint64
	evictRounds atomic.Uint64
	restarts    atomic.Uint64
}

// Stats is a snapshot of buffer manager activity.
type Stats struct {
	Faults        uint64 // pages faulted in from the device
	Reads         uint64 // device page reads
	Writes        uint64 // device page writes
	Evictions     uint64 // pages evicted
	EvictRounds   uint64 // eviction rounds that evicted at least one page
	Restarts      uint64 // optimistic operation restarts
	Resident      uint64 // pages currently in the resident set
	PhysUsed      int64  // resident budget in use, pages
	Allocated     uint64 // next PID to be allocated
	VirtualPages  uint64
	PhysicalPages uint64
}

// Stats returns a snapshot of the counters.
func (bm *BufferManager) Stats() Stats {
	return Stats{
		Faults:        bm.stats.faults.Load(),
		Reads:         bm.stats.reads.Load(),
		Writes:        bm.stats.writes.Load(),
		Evictions:     bm.stats.evictions.Load(),
		EvictRounds:   bm.stats.evictRounds.Load(),
		Restarts:      bm.stats.restarts.Load(),
		Resident:      uint64(bm.resident.Len()),
		PhysUsed:      bm.physUsed.Load(),
		Allocated:     bm.allocCount.Load(),
		VirtualPages:  bm.virtCount,
		PhysicalPages: bm.physCount,
	}
}

// collectors exposes the counters as prometheus metrics.
func (bm *BufferManager) collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "vmcache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vmcache",
			Name:      name,
			Help:      help,
		}, fn)
	}
	return []prometheus.Collector{
		counter("page_faults_total", "Pages faulted in from the device.", &bm.stats.faults),
		counter("page_reads_total", "Pages read from the device.", &bm.stats.reads),
		counter("page_writes_total", "Pages written to the device.", &bm.stats.writes),
		counter("evictions_total", "Pages evicted from memory.", &bm.stats.evictions),
		counter("evict_rounds_total", "Eviction rounds that released pages.", &bm.stats.evictRounds),
		counter("restarts_total", "Optimistic operation restarts.", &bm.stats.restarts),
		gauge("resident_pages", "Pages currently resident.", func() float64 { return float64(bm.resident.Len()) }),
		gauge("allocated_pages", "Pages allocated so far, metadata page included.", func() float64 { return float64(bm.allocCount.Load()) }),
	}
}

// registerMetrics registers the collectors on reg. A collector that is
// already registered is skipped with a warning.
func (bm *BufferManager) registerMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range bm.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				bm.log.Warn("metric already registered", zap.Error(err))
				continue
			}
			bm.log.Warn("failed to register metric", zap.Error(err))
			continue
		}
		bm.registered = append(bm.registered, c)
	}
	bm.registry = reg
}

// unregisterMetrics removes whatever registerMetrics added.
func (bm *BufferManager) unregisterMetrics() {
	if bm.registry == nil {
		return
	}
	for _, c := range bm.registered {
		bm.registry.Unregister(c)
	}
	bm.registered = nil
}
