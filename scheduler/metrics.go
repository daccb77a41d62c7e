package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for batch downloads.
type Metrics struct {
	Registry        *prometheus.Registry
	DispatchesTotal prometheus.Counter
	EntriesTotal    *prometheus.CounterVec
	ItemDuration    prometheus.Histogram
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	BytesTotal      prometheus.Counter
	InFlight        prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	dispatches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grabber_dispatches_total",
			Help: "Total number of item pipelines started.",
		},
	)
	entries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grabber_entries_total",
			Help: "Total number of queue entries by terminal state.",
		},
		[]string{"state"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grabber_item_duration_seconds",
			Help:    "Duration of one item pipeline run.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grabber_retries_total",
			Help: "Total number of automatic retries scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grabber_errors_total",
			Help: "Total number of failed item runs by error type.",
		},
		[]string{"error_type"},
	)
	bytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grabber_bytes_total",
			Help: "Total number of content bytes received.",
		},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grabber_in_flight",
			Help: "Number of item pipelines currently running.",
		},
	)

	registry.MustRegister(dispatches, entries, duration, retries, errorsTotal, bytesTotal, inFlight)

	return &Metrics{
		Registry:        registry,
		DispatchesTotal: dispatches,
		EntriesTotal:    entries,
		ItemDuration:    duration,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		BytesTotal:      bytesTotal,
		InFlight:        inFlight,
	}
}

// IncDispatch increments the dispatch counter.
func (m *Metrics) IncDispatch() {
	if m == nil {
		return
	}
	m.DispatchesTotal.Inc()
}

// IncEntry counts an entry reaching state.
func (m *Metrics) IncEntry(state string) {
	if m == nil {
		return
	}
	m.EntriesTotal.WithLabelValues(state).Inc()
}

// ObserveDuration records how long one pipeline run took.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ItemDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddBytes adds received content bytes.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.Add(float64(n))
}

// SetInFlight reports the number of running pipelines.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}
