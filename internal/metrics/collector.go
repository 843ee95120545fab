package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a Manager to prometheus. Paths become the "path" label.
type Collector struct {
	m *Manager

	counter *prometheus.Desc
	gauge   *prometheus.Desc
	timing  *prometheus.Desc
	outcome *prometheus.Desc
}

// NewCollector wraps m. Register it with a prometheus.Registerer.
func NewCollector(m *Manager) *Collector {
	return &Collector{
		m:       m,
		counter: prometheus.NewDesc("tabrelay_counter_total", "Counters recorded by tabrelay components.", []string{"path"}, nil),
		gauge:   prometheus.NewDesc("tabrelay_gauge", "Gauges recorded by tabrelay components.", []string{"path"}, nil),
		timing:  prometheus.NewDesc("tabrelay_timing_seconds", "Operation durations.", []string{"path"}, nil),
		outcome: prometheus.NewDesc("tabrelay_outcome_total", "Operation outcomes.", []string{"path", "outcome"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counter
	ch <- c.gauge
	ch <- c.timing
	ch <- c.outcome
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	for path, m := range c.m.counters {
		m.mu.RLock()
		ch <- prometheus.MustNewConstMetric(c.counter, prometheus.CounterValue, float64(m.Value), path)
		m.mu.RUnlock()
	}
	for path, m := range c.m.gauges {
		m.mu.RLock()
		ch <- prometheus.MustNewConstMetric(c.gauge, prometheus.GaugeValue, float64(m.Value), path)
		m.mu.RUnlock()
	}
	for path, m := range c.m.timings {
		m.mu.RLock()
		ch <- prometheus.MustNewConstSummary(c.timing, uint64(m.Count), m.Total.Seconds(), nil, path)
		m.mu.RUnlock()
	}
	for path, m := range c.m.outcomes {
		m.mu.RLock()
		for outcome, n := range m.Outcomes {
			ch <- prometheus.MustNewConstMetric(c.outcome, prometheus.CounterValue, float64(n), path, strings.ToLower(outcome))
		}
		m.mu.RUnlock()
	}
}
