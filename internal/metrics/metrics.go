// Package metrics exposes Prometheus metrics for the rule engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for rule loading and evaluation.
// It implements rules.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Evaluations by operation: applicable, mandatory, optional, cost,
	// timeline, eligibility, worker
	Evaluations *prometheus.CounterVec

	EvaluateLatency prometheus.Histogram

	// Snapshot loads by result: success, failure
	Reloads *prometheus.CounterVec

	// Rules in the active snapshot by partition: central, or a region code
	RulesLoaded *prometheus.GaugeVec

	SnapshotVersion prometheus.Gauge

	// HTTP request durations by method, route pattern and status code
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry, with Go runtime and
// process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_evaluations_total",
			Help: "Total rule evaluations by operation",
		}, []string{"operation"}),

		EvaluateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_evaluate_duration_seconds",
			Help:    "Duration of a single profile evaluation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_reloads_total",
			Help: "Total rule snapshot loads by result",
		}, []string{"result"}),

		RulesLoaded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestrel_rules_loaded",
			Help: "Rules in the active snapshot by partition",
		}, []string{"partition"}),

		SnapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_snapshot_version",
			Help: "Version of the active rule snapshot",
		}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEvaluation counts one evaluation.
func (m *Metrics) ObserveEvaluation(operation string) {
	if m != nil {
		m.Evaluations.WithLabelValues(operation).Inc()
	}
}

// ObserveEvaluateLatency records how long an evaluation took.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// ObserveRequest records one served HTTP request. route should be the
// matched pattern, never the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m != nil {
		m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
	}
}

// SnapshotLoaded updates gauges for a newly active snapshot.
func (m *Metrics) SnapshotLoaded(s *rules.Snapshot) {
	if m == nil {
		return
	}
	st := s.Stats()
	m.Reloads.WithLabelValues("success").Inc()
	m.SnapshotVersion.Set(float64(st.Version))

	m.RulesLoaded.Reset()
	m.RulesLoaded.WithLabelValues("central").Set(float64(st.CentralRules))
	for code, n := range st.RegionRules {
		m.RulesLoaded.WithLabelValues(code).Set(float64(n))
	}
}

// LoadFailed counts a failed load. Gauges keep describing the snapshot
// that is still serving.
func (m *Metrics) LoadFailed(err error) {
	if m != nil {
		m.Reloads.WithLabelValues("failure").Inc()
	}
}

var _ rules.Observer = (*Metrics)(nil)
