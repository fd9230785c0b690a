// Package metrics exposes pool statistics as Prometheus metrics and serves
// them over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andeerc/pg-multiverse/internal/pool"
)

// PoolSource supplies the current pool set; implemented by the coordinator.
type PoolSource interface {
	Pools() []*pool.Pool
}

// PoolCollector exposes per-pool connection gauges labeled by pool, cluster,
// and role.
type PoolCollector struct {
	source PoolSource

	acquired *prometheus.Desc
	released *prometheus.Desc
	active   *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	waiting  *prometheus.Desc
}

func NewPoolCollector(source PoolSource) *PoolCollector {
	labels := []string{"pool", "cluster", "role"}
	return &PoolCollector{
		source:   source,
		acquired: prometheus.NewDesc("pgm_pool_acquired_total", "Cumulative connections acquired from the pool", labels, nil),
		released: prometheus.NewDesc("pgm_pool_released_total", "Cumulative connections released back to the pool", labels, nil),
		active:   prometheus.NewDesc("pgm_pool_active_conns", "Connections currently in use", labels, nil),
		idle:     prometheus.NewDesc("pgm_pool_idle_conns", "Idle connections in the pool", labels, nil),
		total:    prometheus.NewDesc("pgm_pool_total_conns", "Total connections in the pool", labels, nil),
		waiting:  prometheus.NewDesc("pgm_pool_waiting", "Callers waiting on the pool", labels, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.released
	ch <- c.active
	ch <- c.idle
	ch <- c.total
	ch <- c.waiting
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.source.Pools() {
		info := p.Info()
		m := p.Metrics()
		labels := []string{info.ID, info.ClusterID, string(info.Role)}

		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(m.Acquired), labels...)
		ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(m.Released), labels...)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(m.Active), labels...)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(m.Idle), labels...)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(m.Total), labels...)
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(m.Waiting), labels...)
	}
}

// NewRegistry builds a registry with the pool collector installed.
func NewRegistry(source PoolSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector(source))
	return reg
}
