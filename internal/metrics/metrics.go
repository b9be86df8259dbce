// Package metrics owns the Prometheus collectors for the crawl engine.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatusClass buckets HTTP status codes for fetch metrics.
type StatusClass string

// Status classes used as label values.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// ClassifyStatus maps an HTTP status code to its class label.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// Metrics holds the collectors updated by the scheduler and fetch path.
// All methods are nil-safe so tests can run without a registry.
type Metrics struct {
	jobsRunning     prometheus.Gauge
	jobsFinished    *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	recordsInserted prometheus.Counter
	retries         prometheus.Counter
}

// New registers the engine collectors against the provided registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_jobs_running",
			Help: "Current number of active crawl loops.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_jobs_finished_total",
			Help: "Crawl loops that reached a terminal status, partitioned by status.",
		}, []string{"status"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_fetches_total",
			Help: "Page fetches partitioned by HTTP status class.",
		}, []string{"status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by HTTP status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		recordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_records_inserted_total",
			Help: "Records written to dynamic tables.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_fetch_retries_total",
			Help: "Fetch attempts that were retried after a failure.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.jobsRunning,
		m.jobsFinished,
		m.fetches,
		m.fetchDuration,
		m.recordsInserted,
		m.retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return m, nil
}

// JobStarted and JobFinished bracket one crawl loop.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(status).Inc()
}

// ObserveFetch records one completed fetch attempt.
func (m *Metrics) ObserveFetch(statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	class := string(ClassifyStatus(statusCode))
	m.fetches.WithLabelValues(class).Inc()
	if elapsed > 0 {
		m.fetchDuration.WithLabelValues(class).Observe(elapsed.Seconds())
	}
}

// ObserveFetchError records a fetch that failed before producing a status.
func (m *Metrics) ObserveFetchError() {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(StatusOther)).Inc()
}

// AddRecords counts records inserted into a dynamic table.
func (m *Metrics) AddRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsInserted.Add(float64(n))
}

// AddRetry counts one retried fetch attempt.
func (m *Metrics) AddRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
