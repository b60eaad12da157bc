package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messaging"

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	conversationsCreated *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	reactionsUpserted    prometheus.Counter
	outboxEntries        *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
	wsConnections        prometheus.Gauge
	wsDropped            prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_created_total",
			Help:      "Conversations created, by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by message type.",
		}, []string{"message_type"}),
		reactionsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_upserted_total",
			Help:      "Reactions written.",
		}),
		outboxEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_entries_total",
			Help:      "Outbox entries processed by the relay, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_dropped_total",
			Help:      "Events dropped because a client's send buffer was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.conversationsCreated,
		m.messagesSent,
		m.reactionsUpserted,
		m.outboxEntries,
		m.httpRequests,
		m.httpDuration,
		m.wsConnections,
		m.wsDropped,
	)
	return m
}

// Handler returns an http.Handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConversationCreated(kind string) {
	if m != nil {
		m.conversationsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MessageSent(messageType string) {
	if m != nil {
		m.messagesSent.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) ReactionUpserted() {
	if m != nil {
		m.reactionsUpserted.Inc()
	}
}

// Outbox adds the counts from one relay pass.
func (m *Metrics) Outbox(published, failed, dead int) {
	if m == nil {
		return
	}
	m.outboxEntries.WithLabelValues("published").Add(float64(published))
	m.outboxEntries.WithLabelValues("failed").Add(float64(failed))
	m.outboxEntries.WithLabelValues("dead").Add(float64(dead))
}

func (m *Metrics) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.wsDropped.Inc()
	}
}
