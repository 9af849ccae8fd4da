// Package metrics holds the Prometheus collectors for the messaging core.
//
// A nil *Metrics is valid and records nothing, so packages can take one
// optionally without nil checks at every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bazaar"

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	conversationsResolved *prometheus.CounterVec
	messagesAppended      *prometheus.CounterVec
	operationFailures     *prometheus.CounterVec
	storageRetries        *prometheus.CounterVec
	notifications         *prometheus.CounterVec

	broadcastDeliveries prometheus.Counter
	subscriberEvictions prometheus.Counter
	activeSubscriptions prometheus.Gauge
	wsConnections       prometheus.Gauge

	httpDuration *prometheus.HistogramVec
}

// New builds and registers all collectors on a fresh registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		conversationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "conversations_resolved_total",
			Help: "Conversation resolutions by outcome (existing, created, raced).",
		}, []string{"outcome"}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_appended_total",
			Help: "Messages persisted by content kind.",
		}, []string{"kind"}),
		operationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "operation_failures_total",
			Help: "Failed chat operations by operation and error code.",
		}, []string{"op", "code"}),
		storageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "storage_retries_total",
			Help: "Retries of transient storage failures by operation.",
		}, []string{"op"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "notifications_total",
			Help: "Push notification events by result (emitted, muted, failed).",
		}, []string{"result"}),
		broadcastDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "deliveries_total",
			Help: "Events handed to subscriber handlers.",
		}),
		subscriberEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "evictions_total",
			Help: "Subscriptions closed because their queue overflowed.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "subscriptions",
			Help: "Currently open conversation subscriptions.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "ws_connections",
			Help: "Currently open websocket sessions.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method, route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.conversationsResolved,
		m.messagesAppended,
		m.operationFailures,
		m.storageRetries,
		m.notifications,
		m.broadcastDeliveries,
		m.subscriberEvictions,
		m.activeSubscriptions,
		m.wsConnections,
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

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConversationResolved(outcome string) {
	if m == nil {
		return
	}
	m.conversationsResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessageAppended(kind string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) OperationFailed(op, code string) {
	if m == nil {
		return
	}
	m.operationFailures.WithLabelValues(op, code).Inc()
}

func (m *Metrics) StorageRetry(op string) {
	if m == nil {
		return
	}
	m.storageRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.broadcastDeliveries.Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.subscriberEvictions.Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// ObserveHTTP records one request. route should be the mux pattern, never the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
