package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream relay.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	reconciliations     *prometheus.CounterVec
	configWritesTotal   prometheus.Counter
	configWriteFailures prometheus.Counter
	spawnsTotal         prometheus.Counter
	spawnFailures       prometheus.Counter
	gatewayRequests     *prometheus.CounterVec
	ready               prometheus.Gauge
	sources             prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_reconciliations_total",
			Help: "Configuration events reconciled, by outcome (changed or unchanged)",
		}, []string{"outcome"}),
		configWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_config_writes_total",
			Help: "Media server configuration files written",
		}),
		configWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_config_write_failures_total",
			Help: "Failed attempts to write the media server configuration",
		}),
		spawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_spawns_total",
			Help: "Media server processes started",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_process_spawn_failures_total",
			Help: "Failed attempts to start the media server",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gateway_requests_total",
			Help: "Requests forwarded to the media server, by status class",
		}, []string{"class"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ready",
			Help: "1 when the gateway is mounted and the media server is running",
		}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sources",
			Help: "Number of sources in the registry",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.reconciliations,
		m.configWritesTotal,
		m.configWriteFailures,
		m.spawnsTotal,
		m.spawnFailures,
		m.gatewayRequests,
		m.ready,
		m.sources,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveReconcile records one reconciliation.
func (m *Metrics) ObserveReconcile(changed bool) {
	outcome := "unchanged"
	if changed {
		outcome = "changed"
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

// IncConfigWrites increments the successful config write counter.
func (m *Metrics) IncConfigWrites() {
	m.configWritesTotal.Inc()
}

// IncConfigWriteFailures increments the failed config write counter.
func (m *Metrics) IncConfigWriteFailures() {
	m.configWriteFailures.Inc()
}

// IncSpawns increments the process start counter.
func (m *Metrics) IncSpawns() {
	m.spawnsTotal.Inc()
}

// IncSpawnFailures increments the failed start counter.
func (m *Metrics) IncSpawnFailures() {
	m.spawnFailures.Inc()
}

// ObserveGatewayStatus records a proxied response status.
func (m *Metrics) ObserveGatewayStatus(status int) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.gatewayRequests.WithLabelValues(class).Inc()
}

// SetReady sets the readiness gauge.
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}

// SetSources sets the registry size gauge.
func (m *Metrics) SetSources(n int) {
	m.sources.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
