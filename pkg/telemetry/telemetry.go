// Package telemetry exposes the engine's operational counters as
// Prometheus collectors. The engine increments them unconditionally;
// a host that wants them scraped registers Registry (or the individual
// collectors) with its own exporter.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every engine collector.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	PagesRead      prometheus.Counter
	PagesWritten   prometheus.Counter
	WALFrames      prometheus.Counter
	WALCommits     prometheus.Counter
	Checkpoints    prometheus.Counter
	VMSteps        prometheus.Counter
	BusyConflicts  prometheus.Counter
	CacheSizePages prometheus.Gauge
}

// New builds a Metrics set. Collectors are unregistered; use Register.
func New() *Metrics {
	c := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Name: name, Help: help,
		})
	}
	return &Metrics{
		CacheHits:      c("page_cache_hits_total", "Page lookups satisfied by the cache."),
		CacheMisses:    c("page_cache_misses_total", "Page lookups that went to the WAL or file."),
		PagesRead:      c("pages_read_total", "Pages read from the database file."),
		PagesWritten:   c("pages_written_total", "Pages written to the database file."),
		WALFrames:      c("wal_frames_total", "Frames appended to the write-ahead log."),
		WALCommits:     c("wal_commits_total", "Transactions committed through the log."),
		Checkpoints:    c("wal_checkpoints_total", "Checkpoint passes completed."),
		VMSteps:        c("vm_steps_total", "Bytecode instructions executed."),
		BusyConflicts:  c("busy_conflicts_total", "Lock acquisitions rejected as busy."),
		CacheSizePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quarry", Name: "page_cache_pages",
			Help: "Pages currently resident in the cache.",
		}),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.PagesRead, m.PagesWritten,
		m.WALFrames, m.WALCommits, m.Checkpoints, m.VMSteps,
		m.BusyConflicts, m.CacheSizePages,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
