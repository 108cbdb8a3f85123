// Package metrics owns the service's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coursechat"

// Delivery results
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryOffline   = "offline"
)

type Metrics struct {
	registry *prometheus.Registry

	messagesAppended   *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	typingEvents       *prometheus.CounterVec
	connectionsDropped *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	retentionPruned    prometheus.Counter
	routeDuration      prometheus.Histogram
	activeConnections  prometheus.Gauge
	onlineUsers        prometheus.Gauge
}

// New builds a private registry with process collectors and the service's
// own metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_appended_total",
			Help: "Messages durably appended, by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Live event deliveries per recipient, by event type and result.",
		}, []string{"event", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications persisted, by kind.",
		}, []string{"kind"}),
		typingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "typing_events_total",
			Help: "Typing transitions broadcast, by state and origin.",
		}, []string{"state", "origin"}),
		connectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_dropped_total",
			Help: "Live connections torn down, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by a rate limiter, by scope.",
		}, []string{"scope"}),
		retentionPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_pruned_total",
			Help: "Read notifications deleted by retention.",
		}),
		routeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "route_duration_seconds",
			Help:    "Time from enqueue on a hub lane until routing finished.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Registered live connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with at least one live connection.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		}),
		m.messagesAppended, m.deliveries, m.notifications, m.typingEvents,
		m.connectionsDropped, m.rateLimited, m.retentionPruned, m.routeDuration,
		m.activeConnections, m.onlineUsers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageAppended(kind string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivery(event, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event, result).Inc()
}

func (m *Metrics) NotificationCreated(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) TypingEvent(state, origin string) {
	if m == nil {
		return
	}
	m.typingEvents.WithLabelValues(state, origin).Inc()
}

func (m *Metrics) ConnectionDropped(reason string) {
	if m == nil {
		return
	}
	m.connectionsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) RetentionPruned(n int64) {
	if m == nil {
		return
	}
	m.retentionPruned.Add(float64(n))
}

func (m *Metrics) ObserveRoute(d time.Duration) {
	if m == nil {
		return
	}
	m.routeDuration.Observe(d.Seconds())
}

func (m *Metrics) SetPresence(connections, users int64) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(connections))
	m.onlineUsers.Set(float64(users))
}
