// Package metrics exposes CoordinatorStats and scheduler.Stats as
// Prometheus collectors, scraped on demand rather than pushed, so a
// long-running forge daemon can serve /metrics without any polling
// goroutine of its own.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgebuild/forge/internal/coordinator"
	"github.com/forgebuild/forge/internal/scheduler"
)

// CacheCollector adapts a Coordinator's Stats() into Prometheus
// gauges/counters, collected fresh on every scrape.
type CacheCollector struct {
	coord *coordinator.Coordinator

	entries  *prometheus.Desc
	bytes    *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	hitRate  *prometheus.Desc
	remoteUp *prometheus.Desc
}

// NewCacheCollector wires a CacheCollector over coord. Register it
// with a prometheus.Registry at startup.
func NewCacheCollector(coord *coordinator.Coordinator) *CacheCollector {
	return &CacheCollector{
		coord:    coord,
		entries:  prometheus.NewDesc("forge_cache_entries", "Current entry count per cache tier.", []string{"tier"}, nil),
		bytes:    prometheus.NewDesc("forge_cache_bytes", "Current occupied bytes per cache tier.", []string{"tier"}, nil),
		hits:     prometheus.NewDesc("forge_cache_hits_total", "Lifetime cache hits per tier.", []string{"tier"}, nil),
		misses:   prometheus.NewDesc("forge_cache_misses_total", "Lifetime cache misses per tier.", []string{"tier"}, nil),
		hitRate:  prometheus.NewDesc("forge_cache_hit_rate", "Lifetime hit rate per tier.", []string{"tier"}, nil),
		remoteUp: prometheus.NewDesc("forge_cache_remote_enabled", "1 if the remote tier is currently enabled.", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.hitRate
	ch <- c.remoteUp
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.coord.Stats()
	for tier, s := range map[string]struct {
		Entries int
		Bytes   int64
		Hits    uint64
		Misses  uint64
		HitRate float64
	}{
		"target": {stats.Target.Entries, stats.Target.Bytes, stats.Target.Hits, stats.Target.Misses, stats.Target.HitRate},
		"action": {stats.Action.Entries, stats.Action.Bytes, stats.Action.Hits, stats.Action.Misses, stats.Action.HitRate},
	} {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), tier)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes), tier)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), tier)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), tier)
		ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate, tier)
	}
	enabled := 0.0
	if stats.RemoteEnabled {
		enabled = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.remoteUp, prometheus.GaugeValue, enabled)
}

// SchedulerCollector adapts scheduler.Stats into per-worker and
// aggregate Prometheus metrics.
type SchedulerCollector struct {
	sched *scheduler.Scheduler

	executed      *prometheus.Desc
	stolen        *prometheus.Desc
	stealAttempts *prometheus.Desc
	dequeDepth    *prometheus.Desc
}

// NewSchedulerCollector wires a SchedulerCollector over sched.
func NewSchedulerCollector(sched *scheduler.Scheduler) *SchedulerCollector {
	return &SchedulerCollector{
		sched:         sched,
		executed:      prometheus.NewDesc("forge_scheduler_tasks_executed_total", "Tasks executed, per worker.", []string{"worker"}, nil),
		stolen:        prometheus.NewDesc("forge_scheduler_tasks_stolen_total", "Tasks this worker stole from a peer.", []string{"worker"}, nil),
		stealAttempts: prometheus.NewDesc("forge_scheduler_steal_attempts_total", "Steal attempts made by this worker.", []string{"worker"}, nil),
		dequeDepth:    prometheus.NewDesc("forge_scheduler_deque_depth", "Current depth of this worker's deque.", []string{"worker"}, nil),
	}
}

func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executed
	ch <- c.stolen
	ch <- c.stealAttempts
	ch <- c.dequeDepth
}

func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.sched.Stats()
	for i, w := range stats.PerWorker {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.executed, prometheus.CounterValue, float64(w.Executed), label)
		ch <- prometheus.MustNewConstMetric(c.stolen, prometheus.CounterValue, float64(w.Stolen), label)
		ch <- prometheus.MustNewConstMetric(c.stealAttempts, prometheus.CounterValue, float64(w.StealAttempts), label)
		ch <- prometheus.MustNewConstMetric(c.dequeDepth, prometheus.GaugeValue, float64(w.DequeDepth), label)
	}
}
