// Package metrics exposes classifier traffic as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/avocado-ripeness/internal/classifier"
)

const namespace = "avocado"

// Metrics implements classifier.Observer on a private registry.
type Metrics struct {
	registry           *prometheus.Registry
	attempts           *prometheus.CounterVec
	attemptDuration    *prometheus.HistogramVec
	submissions        *prometheus.CounterVec
	submissionAttempts prometheus.Histogram
	submissionDuration prometheus.Histogram
	results            *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "attempts_total",
			Help:      "Classifier attempts by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of single classifier attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "submissions_total",
			Help:      "Finished submissions by the outcome of their last attempt.",
		}, []string{"outcome"}),
		submissionAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "submission_attempts",
			Help:      "Attempts used per finished submission.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		submissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "submission_duration_seconds",
			Help:      "Wall time of finished submissions including retry delays.",
			Buckets:   []float64{0.5, 1, 5, 15, 35, 70, 105, 140, 175},
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Successful predictions by label.",
		}, []string{"label"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.attemptDuration,
		m.submissions,
		m.submissionAttempts,
		m.submissionDuration,
		m.results,
	)
	return m
}

func (m *Metrics) AttemptFinished(record classifier.AttemptRecord) {
	outcome := string(record.Outcome)
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptDuration.WithLabelValues(outcome).Observe(record.Elapsed.Seconds())
	if record.Outcome == classifier.OutcomeSuccess && record.Result != nil {
		m.results.WithLabelValues(string(record.Result.Label)).Inc()
	}
}

func (m *Metrics) SubmissionFinished(outcome classifier.Outcome, attempts int, elapsed time.Duration) {
	m.submissions.WithLabelValues(string(outcome)).Inc()
	m.submissionAttempts.Observe(float64(attempts))
	m.submissionDuration.Observe(elapsed.Seconds())
}

// Gauge registers a gauge read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
