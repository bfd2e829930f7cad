package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "varistock"

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	LatencyMS          *prometheus.HistogramVec
	Checkouts          *prometheus.CounterVec
	Reversals          *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	MaintenancePasses  *prometheus.CounterVec
	MaintenanceOrders  *prometheus.CounterVec
	MaintenanceRestart prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "total",
			Help:      "Checkouts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		Reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "reversals_total",
			Help:      "Cancellations and returns by outcome.",
		}, []string{"target", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Applied forward status transitions.",
		}, []string{"to"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Published events by type and outcome.",
		}, []string{"type", "outcome"}),
		MaintenancePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "passes_total",
			Help:      "Archival passes by outcome.",
		}, []string{"outcome"}),
		MaintenanceOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "orders_total",
			Help:      "Orders handled by archival passes.",
		}, []string{"action"}),
		MaintenanceRestart: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "restarts_total",
			Help:      "Scheduler loop restarts performed by the watchdog.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests, m.LatencyMS, m.Checkouts, m.Reversals, m.Transitions,
		m.EventsPublished, m.MaintenancePasses, m.MaintenanceOrders, m.MaintenanceRestart,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) ObserveCheckout(channel string, outcome string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) ObserveReversal(target string, outcome string) {
	if m == nil {
		return
	}
	m.Reversals.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObservePublish(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveMaintenancePass(archived, deleted, skipped, failed int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.MaintenancePasses.WithLabelValues(outcome).Inc()
	m.MaintenanceOrders.WithLabelValues("archived").Add(float64(archived))
	m.MaintenanceOrders.WithLabelValues("deleted").Add(float64(deleted))
	m.MaintenanceOrders.WithLabelValues("skipped").Add(float64(skipped))
	m.MaintenanceOrders.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveRestart() {
	if m == nil {
		return
	}
	m.MaintenanceRestart.Inc()
}
