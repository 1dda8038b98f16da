// Package metrics exposes Prometheus metrics for reconciliation passes.
package metrics

import (
	"net/http"

	"github.com/blackmichael/popular-posts/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "popular_posts"

// Recorder records pass outcomes. It implements domain.PassObserver.
type Recorder struct {
	registry *prometheus.Registry

	passes         *prometheus.CounterVec
	candidates     *prometheus.CounterVec
	passDuration   prometheus.Histogram
	lastSuccess    prometheus.Gauge
	fetchedLastRun prometheus.Gauge
}

var _ domain.PassObserver = (*Recorder)(nil)

// NewRecorder creates a Recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		passes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "passes_total",
				Help:      "Reconciliation passes by result (ok, upstream, store, other).",
			},
			[]string{"result"},
		),
		candidates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "candidates_total",
				Help:      "Reconciled candidates by outcome.",
			},
			[]string{"status"},
		),
		passDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconciliation passes.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		lastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time the last successful pass started.",
			},
		),
		fetchedLastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "candidates_last_pass",
				Help:      "Candidates returned by the search API in the most recent pass.",
			},
		),
	}
}

// ObservePass records one pass result.
func (r *Recorder) ObservePass(result domain.PassResult) {
	outcome := "ok"
	if !result.OK() {
		outcome = domain.ErrorKind(result.Err)
	}
	r.passes.WithLabelValues(outcome).Inc()
	r.passDuration.Observe(result.Duration.Seconds())
	r.fetchedLastRun.Set(float64(result.Fetched))

	r.candidates.WithLabelValues("inserted").Add(float64(result.Report.Inserted))
	r.candidates.WithLabelValues("updated").Add(float64(result.Report.Updated))
	r.candidates.WithLabelValues("unchanged").Add(float64(result.Report.Unchanged))
	r.candidates.WithLabelValues("duplicate").Add(float64(result.Report.Duplicates))

	if result.OK() {
		r.lastSuccess.Set(float64(result.StartedAt.Unix()))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
