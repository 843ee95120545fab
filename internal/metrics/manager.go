// Package metrics records pool and turn statistics keyed by "topic/function"
// paths, persists them to sqlite and exposes them to prometheus.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// Manager holds every recorded metric. Methods are safe on a nil *Manager so
// components can run without metrics wired.
type Manager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	gauges   map[string]*GaugeMetric
	outcomes map[string]*OutcomeMetric
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{
		timings:  make(map[string]*TimingMetric),
		counters: make(map[string]*CounterMetric),
		gauges:   make(map[string]*GaugeMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// Timer measures one operation; call Stop exactly once.
type Timer struct {
	m     *Manager
	path  string
	start time.Time
}

// StartTiming begins timing an operation
func (m *Manager) StartTiming(topic, function string) *Timer {
	return &Timer{m: m, path: buildPath(topic, function), start: time.Now()}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.m.RecordDuration(t.path, "", d)
	return d
}

// RecordDuration records a duration directly
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{
			samples: make([]time.Duration, 0, 16),
			Min:     duration,
			Max:     duration,
		}
		m.timings[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration

	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}

	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// IncrementCounter increments a counter
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value += delta
	metric.Last = time.Now()
}

// SetGauge sets a gauge value
func (m *Manager) SetGauge(topic, function string, value int64) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.gauges[path]
	if !exists {
		metric = &GaugeMetric{Min: value, Max: value}
		m.gauges[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value = value
	metric.Last = time.Now()

	if value < metric.Min {
		metric.Min = value
	}
	if value > metric.Max {
		metric.Max = value
	}
}

// RecordOutcome records a specific outcome
func (m *Manager) RecordOutcome(topic, function, outcome string) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.outcomes[path]
	if !exists {
		metric = &OutcomeMetric{Outcomes: make(map[string]int64)}
		m.outcomes[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
}

// Counter returns the current value of a counter (0 if never recorded).
func (m *Manager) Counter(topic, function string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	metric := m.counters[buildPath(topic, function)]
	m.mu.RUnlock()
	if metric == nil {
		return 0
	}
	metric.mu.RLock()
	defer metric.mu.RUnlock()
	return metric.Value
}

// Outcome returns how often an outcome was recorded.
func (m *Manager) Outcome(topic, function, outcome string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	metric := m.outcomes[buildPath(topic, function)]
	m.mu.RUnlock()
	if metric == nil {
		return 0
	}
	metric.mu.RLock()
	defer metric.mu.RUnlock()
	return metric.Outcomes[outcome]
}

// Snapshot returns every metric sorted by path.
func (m *Manager) Snapshot() []Snapshot {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.timings)+len(m.counters)+len(m.gauges)+len(m.outcomes))

	for path, t := range m.timings {
		t.mu.RLock()
		s := Snapshot{
			Path:    path,
			Type:    TypeTiming,
			Count:   t.Count,
			MinMs:   ms(t.Min),
			MaxMs:   ms(t.Max),
			P95Ms:   calculatePercentile(t.samples, 95),
			Updated: time.Now(),
		}
		if t.Count > 0 {
			s.AvgMs = ms(t.Total) / float64(t.Count)
		}
		t.mu.RUnlock()
		out = append(out, s)
	}
	for path, c := range m.counters {
		c.mu.RLock()
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Value: c.Value, Updated: c.Last})
		c.mu.RUnlock()
	}
	for path, g := range m.gauges {
		g.mu.RLock()
		out = append(out, Snapshot{Path: path, Type: TypeGauge, Value: g.Value, Updated: g.Last})
		g.mu.RUnlock()
	}
	for path, o := range m.outcomes {
		o.mu.RLock()
		outcomes := make(map[string]int64, len(o.Outcomes))
		for k, v := range o.Outcomes {
			outcomes[k] = v
		}
		out = append(out, Snapshot{
			Path:     path,
			Type:     TypeOutcome,
			Count:    o.Total,
			Outcomes: outcomes,
			Last:     o.LastOutcome,
			Updated:  o.LastTime,
		})
		o.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) - 1) * percentile / 100
	return ms(sorted[idx])
}
