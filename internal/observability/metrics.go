package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stockmesh"

// Metrics groups the Prometheus instruments shared by the stockmesh services.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	purchases          *prometheus.CounterVec
	inventoryEvents    *prometheus.CounterVec
	stockAlerts        *prometheus.CounterVec
	subscriberFailures *prometheus.CounterVec
	productLookups     *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewMetrics registers every instrument on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome.",
		}, []string{"outcome"}),
		inventoryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "events_total",
			Help:      "Inventory change events published by operation.",
		}, []string{"operation"}),
		stockAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "stock_alerts_total",
			Help:      "Stock level notifications by severity.",
		}, []string{"severity"}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "subscriber_failures_total",
			Help:      "Event subscriber errors and panics by subscriber.",
		}, []string{"subscriber"}),
		productLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "product_client",
			Name:      "lookups_total",
			Help:      "Product service lookups by outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "product_client",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.purchases,
		m.inventoryEvents,
		m.stockAlerts,
		m.subscriberFailures,
		m.productLookups,
		m.breakerState,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PurchaseOutcome(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InventoryEvent(operation string) {
	if m == nil {
		return
	}
	m.inventoryEvents.WithLabelValues(operation).Inc()
}

func (m *Metrics) StockAlert(severity string) {
	if m == nil {
		return
	}
	m.stockAlerts.WithLabelValues(severity).Inc()
}

func (m *Metrics) SubscriberFailure(subscriber string) {
	if m == nil {
		return
	}
	m.subscriberFailures.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) ProductLookup(outcome string) {
	if m == nil {
		return
	}
	m.productLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BreakerState(breaker string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker).Set(state)
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

// Counter exposes a labelled counter for assertions in tests. It returns nil
// for a nil receiver or an unknown name.
func (m *Metrics) Counter(name string, labels ...string) prometheus.Counter {
	if m == nil {
		return nil
	}
	switch name {
	case "purchases":
		return m.purchases.WithLabelValues(labels...)
	case "events":
		return m.inventoryEvents.WithLabelValues(labels...)
	case "alerts":
		return m.stockAlerts.WithLabelValues(labels...)
	case "subscriber_failures":
		return m.subscriberFailures.WithLabelValues(labels...)
	case "lookups":
		return m.productLookups.WithLabelValues(labels...)
	}
	return nil
}

// Gauge exposes the breaker state gauge for assertions in tests.
func (m *Metrics) Gauge(breaker string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.breakerState.WithLabelValues(breaker)
}
