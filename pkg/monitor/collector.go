package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the monitor's per-stage summaries to Prometheus.
// It reads a fresh snapshot on every scrape, so the pull model of the
// ops surface carries through: nothing is pushed, and scraping never
// blocks recorders.
type Collector struct {
	monitor *Monitor

	samplesTotal *prometheus.Desc
	hitsTotal    *prometheus.Desc
	missesTotal  *prometheus.Desc
	errorsTotal  *prometheus.Desc
	hitRate      *prometheus.Desc
	latency      *prometheus.Desc
}

// NewCollector builds a Collector over monitor. Register it with a
// prometheus.Registerer to serve scrapes.
func NewCollector(monitor *Monitor) *Collector {
	return &Collector{
		monitor: monitor,

		samplesTotal: prometheus.NewDesc(
			"snapmatch_stage_samples_total",
			"Lifetime samples recorded per stage",
			[]string{"stage"}, nil,
		),
		hitsTotal: prometheus.NewDesc(
			"snapmatch_stage_hits_total",
			"Lifetime hit outcomes per stage",
			[]string{"stage"}, nil,
		),
		missesTotal: prometheus.NewDesc(
			"snapmatch_stage_misses_total",
			"Lifetime miss outcomes per stage",
			[]string{"stage"}, nil,
		),
		errorsTotal: prometheus.NewDesc(
			"snapmatch_stage_errors_total",
			"Lifetime error outcomes per stage",
			[]string{"stage"}, nil,
		),
		hitRate: prometheus.NewDesc(
			"snapmatch_stage_hit_rate",
			"Lifetime hit ratio per stage",
			[]string{"stage"}, nil,
		),
		latency: prometheus.NewDesc(
			"snapmatch_stage_latency_seconds",
			"Latency percentiles over the stage's current sample window",
			[]string{"stage", "quantile"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.samplesTotal
	ch <- c.hitsTotal
	ch <- c.missesTotal
	ch <- c.errorsTotal
	ch <- c.hitRate
	ch <- c.latency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for stage, s := range c.monitor.SnapshotAll() {
		ch <- prometheus.MustNewConstMetric(
			c.samplesTotal, prometheus.CounterValue, float64(s.Count), stage)
		ch <- prometheus.MustNewConstMetric(
			c.hitsTotal, prometheus.CounterValue, float64(s.Hits), stage)
		ch <- prometheus.MustNewConstMetric(
			c.missesTotal, prometheus.CounterValue, float64(s.Misses), stage)
		ch <- prometheus.MustNewConstMetric(
			c.errorsTotal, prometheus.CounterValue, float64(s.Errors), stage)
		ch <- prometheus.MustNewConstMetric(
			c.hitRate, prometheus.GaugeValue, s.HitRate, stage)
		ch <- prometheus.MustNewConstMetric(
			c.latency, prometheus.GaugeValue, s.P50.Seconds(), stage, "0.5")
		ch <- prometheus.MustNewConstMetric(
			c.latency, prometheus.GaugeValue, s.P95.Seconds(), stage, "0.95")
		ch <- prometheus.MustNewConstMetric(
			c.latency, prometheus.GaugeValue, s.P99.Seconds(), stage, "0.99")
	}
}
