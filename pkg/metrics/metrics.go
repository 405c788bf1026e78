// Package metrics exposes Prometheus collectors for the calcmir server and
// proxy.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calcmir/calcmir/pkg/cache"
	"github.com/calcmir/calcmir/pkg/protocol"
)

const namespace = "calcmir"

// Roles used as the "role" label.
const (
	RoleServer = "server"
	RoleProxy  = "proxy"
)

// Lookup outcomes used as the "outcome" label.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeStale  = "stale"
	OutcomeBypass = "bypass"
)

// Metrics groups the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connections     *prometheus.GaugeVec
	evalDuration    prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	cacheStores     prometheus.Counter
	cacheEntries    prometheus.Gauge
	originErrors    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// requests counts answered requests by role and status
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests answered by role and response status",
		}, []string{"role", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request decoded to response written",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"role"}),

		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Currently open client connections",
		}, []string{"role"}),

		evalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Expression evaluation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Proxy cache lookups by outcome",
		}, []string{"outcome"}),

		cacheStores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stores_total",
			Help:      "Responses stored in the proxy cache",
		}),

		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the proxy cache",
		}),

		originErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "origin_errors_total",
			Help:      "Failed origin fetches by error class",
		}, []string{"class"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records an answered request.
func (m *Metrics) ObserveRequest(role string, status protocol.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(role, status.String()).Inc()
	m.requestDuration.WithLabelValues(role).Observe(elapsed.Seconds())
}

// ConnectionOpened increments the open connections gauge.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// ConnectionClosed decrements the open connections gauge.
func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

// ObserveEvaluation records the duration of one evaluation.
func (m *Metrics) ObserveEvaluation(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.Observe(elapsed.Seconds())
}

// ObserveCache records a cache outcome and the resulting number of entries.
func (m *Metrics) ObserveCache(out *cache.Outcome, entries int) {
	if m == nil || out == nil {
		return
	}
	m.cacheLookups.WithLabelValues(LookupOutcome(out)).Inc()
	if out.Stored {
		m.cacheStores.Inc()
	}
	m.cacheEntries.Set(float64(entries))
}

// ObserveOriginError records a failed origin fetch.
func (m *Metrics) ObserveOriginError(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.originErrors.WithLabelValues(class).Inc()
}

// LookupOutcome maps a cache outcome to its "outcome" label.
func LookupOutcome(out *cache.Outcome) string {
	switch {
	case out.Hit:
		return OutcomeHit
	case out.Stale:
		return OutcomeStale
	case out.Bypassed:
		return OutcomeBypass
	default:
		return OutcomeMiss
	}
}
