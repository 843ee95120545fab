package metrics

import (
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming  MetricType = "timing"
	TypeCounter MetricType = "counter"
	TypeGauge   MetricType = "gauge"
	TypeOutcome MetricType = "outcome"
)

// TimingMetric tracks timing statistics
type TimingMetric struct {
	mu        sync.RWMutex
	Count     int64
	Total     time.Duration
	Min       time.Duration
	Max       time.Duration
	Last      time.Duration
	samples   []time.Duration // Ring buffer for percentiles
	sampleIdx int
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.RWMutex
	Value int64
	Last  time.Time
}

// GaugeMetric tracks values that can go up or down
type GaugeMetric struct {
	mu    sync.RWMutex
	Value int64
	Min   int64
	Max   int64
	Last  time.Time
}

// OutcomeMetric counts named outcomes of one operation
type OutcomeMetric struct {
	mu          sync.RWMutex
	Outcomes    map[string]int64
	Total       int64
	LastOutcome string
	LastTime    time.Time
}

// Snapshot is a point-in-time view of a metric
type Snapshot struct {
	Path string     `json:"path"`
	Type MetricType `json:"type"`

	// timing
	Count int64   `json:"count,omitempty"`
	AvgMs float64 `json:"avgMs,omitempty"`
	MinMs float64 `json:"minMs,omitempty"`
	MaxMs float64 `json:"maxMs,omitempty"`
	P95Ms float64 `json:"p95Ms,omitempty"`

	// counter, gauge
	Value int64 `json:"value,omitempty"`

	// outcome
	Outcomes map[string]int64 `json:"outcomes,omitempty"`
	Last     string           `json:"last,omitempty"`

	Updated time.Time `json:"updated"`
}
