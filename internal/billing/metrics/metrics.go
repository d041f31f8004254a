// Package metrics holds the Prometheus collectors for the billing service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	planChanges        *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	pendingTransitions *prometheus.CounterVec
	stripeDuration     *prometheus.HistogramVec
	overduePending     prometheus.Gauge
	liveConnections    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		planChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_plan_changes_total",
				Help: "Plan change requests by operation, change type and outcome",
			},
			[]string{"operation", "change_type", "outcome"},
		),
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Stripe webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		pendingTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_pending_change_transitions_total",
				Help: "Pending change status transitions by target status",
			},
			[]string{"status"},
		),
		stripeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_stripe_request_duration_seconds",
				Help:    "Latency of Stripe API calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "outcome"},
		),
		overduePending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_pending_changes_overdue",
				Help: "Open pending changes past their scheduled date at the last sweep",
			},
		),
		liveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_live_connections",
				Help: "Open live-update WebSocket connections",
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PlanChange(operation, changeType string, err error) {
	m.planChanges.WithLabelValues(operation, changeType, outcome(err)).Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) PendingTransition(status string) {
	m.pendingTransitions.WithLabelValues(status).Inc()
}

// ObserveStripe matches the Stripe client's observer signature.
func (m *Metrics) ObserveStripe(operation string, elapsed time.Duration, err error) {
	m.stripeDuration.WithLabelValues(operation, outcome(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) SetOverduePending(n int) {
	m.overduePending.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() { m.liveConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.liveConnections.Dec() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
