// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	billedUnits   *prometheus.CounterVec
	runnerLatency *prometheus.HistogramVec
	accountEvents *prometheus.CounterVec
	replays       prometheus.Counter
}

// New creates the gateway metrics on a private registry. queueDepth is sampled at
// scrape time; it may be nil.
func New(queueDepth func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_predict_requests_total",
				Help: "Predict requests by final state and reason",
			}, []string{"state", "reason"}),
		billedUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billed_units_total",
				Help: "Units charged to accounts by category",
			}, []string{"category"}),
		runnerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_runner_latency_seconds",
				Help:    "Model runner generation latency, including gate wait",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"runner", "outcome"}),
		accountEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_account_events_total",
				Help: "Account operations by type and result",
			}, []string{"event", "result"}),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_replayed_requests_total",
				Help: "Predict requests answered from the idempotency cache",
			}),
	}

	reg.MustRegister(m.requests, m.billedUnits, m.runnerLatency, m.accountEvents, m.replays)

	if queueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "gateway_runner_queue_depth",
				Help: "Requests waiting for the model runner slot",
			}, func() float64 { return float64(queueDepth()) }))
	}

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest counts a finished predict request
func (m *Metrics) ObserveRequest(state, reason string) {
	m.requests.WithLabelValues(state, reason).Inc()
}

// ObserveCharge counts billed units
func (m *Metrics) ObserveCharge(category string, units int64) {
	m.billedUnits.WithLabelValues(category).Add(float64(units))
}

// ObserveRunner records one dispatch
func (m *Metrics) ObserveRunner(runner, outcome string, d time.Duration) {
	m.runnerLatency.WithLabelValues(runner, outcome).Observe(d.Seconds())
}

// ObserveAccount counts register / rotate / delete attempts
func (m *Metrics) ObserveAccount(event, result string) {
	m.accountEvents.WithLabelValues(event, result).Inc()
}

// ObserveReplay counts a request served from the idempotency cache
func (m *Metrics) ObserveReplay() {
	m.replays.Inc()
}
