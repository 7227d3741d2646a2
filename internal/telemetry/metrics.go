// Package telemetry holds the Prometheus collectors shared by the API and
// the reconciler.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "panelhub"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunItems        *prometheus.CounterVec
	RunsSkipped     *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by task and outcome.",
		}, []string{"task", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"task"}),
		RunItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "items_total",
			Help:      "Accounts scanned and affected, and remote calls made, by reconciliation runs.",
		}, []string{"task", "kind"}),
		RunsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "skipped_total",
			Help:      "Runs skipped because another worker held the lease.",
		}, []string{"task"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.RunItems, m.RunsSkipped, m.RequestsTotal, m.RequestDuration)
	return m
}

// ObserveRun records one finished reconciliation run.
func (m *Metrics) ObserveRun(task, status string, elapsed time.Duration, items map[string]int) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(task, status).Inc()
	m.RunDuration.WithLabelValues(task).Observe(elapsed.Seconds())
	for kind, n := range items {
		if n > 0 {
			m.RunItems.WithLabelValues(task, kind).Add(float64(n))
		}
	}
}

// ObserveSkip records a run that did not get the lease.
func (m *Metrics) ObserveSkip(task string) {
	if m == nil {
		return
	}
	m.RunsSkipped.WithLabelValues(task).Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
