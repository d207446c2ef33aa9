package dbpool

import "github.com/prometheus/client_golang/prometheus"

// Collector exports pool statistics at scrape time.
type Collector struct {
	pool *Pool

	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
	waits    *prometheus.Desc
}

// NewCollector returns a prometheus.Collector for p.
func NewCollector(p *Pool) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("custodian_db_pool_"+name, help, nil, nil)
	}

	return &Collector{
		pool:     p,
		total:    desc("connections", "Open connections"),
		idle:     desc("idle_connections", "Idle connections"),
		acquired: desc("acquired_connections", "Connections in use"),
		waits:    desc("empty_acquire_total", "Acquires that had to wait for a connection"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
	ch <- c.waits
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.pool.Stat()

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(st.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(st.EmptyAcquireCount()))
}
