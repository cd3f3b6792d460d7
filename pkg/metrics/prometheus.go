package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   *prometheus.GaugeVec
	websocketEventsTotal   *prometheus.CounterVec
	websocketRejectedTotal *prometheus.CounterVec
	relayDeliveriesTotal   *prometheus.CounterVec

	// Call Metrics
	callRoomsActive prometheus.Gauge

	// Message Metrics
	messagesTotal *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open websocket connections",
				ConstLabels: labels,
			},
			[]string{"namespace"},
		),
		websocketEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_events_total",
				Help:        "Total number of inbound websocket events",
				ConstLabels: labels,
			},
			[]string{"namespace", "event"},
		),
		websocketRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_rejected_total",
				Help:        "Total number of refused websocket upgrades",
				ConstLabels: labels,
			},
			[]string{"namespace", "reason"},
		),
		relayDeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_deliveries_total",
				Help:        "Relayed frames by delivery path",
				ConstLabels: labels,
			},
			[]string{"path"}, // local, remote, dropped
		),

		callRoomsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "call_rooms_active",
				Help:        "Call rooms created on this instance and not yet emptied",
				ConstLabels: labels,
			},
		),

		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messages_total",
				Help:        "Total number of persisted chat messages",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),

		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Push notifications by category and outcome",
				ConstLabels: labels,
			},
			[]string{"category", "status"},
		),
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// AddWebSocketConnections adjusts the open connection gauge by delta
func (m *Metrics) AddWebSocketConnections(namespace string, delta int) {
	if m == nil {
		return
	}
	m.websocketConnections.WithLabelValues(namespace).Add(float64(delta))
}

// RecordWebSocketEvent counts one inbound event
func (m *Metrics) RecordWebSocketEvent(namespace, event string) {
	if m == nil {
		return
	}
	m.websocketEventsTotal.WithLabelValues(namespace, event).Inc()
}

// RecordWebSocketRejected counts a refused upgrade
func (m *Metrics) RecordWebSocketRejected(namespace, reason string) {
	if m == nil {
		return
	}
	m.websocketRejectedTotal.WithLabelValues(namespace, reason).Inc()
}

// RecordRelayDelivery counts a relayed frame by path
func (m *Metrics) RecordRelayDelivery(path string) {
	if m == nil {
		return
	}
	m.relayDeliveriesTotal.WithLabelValues(path).Inc()
}

// AddCallRooms adjusts the active room gauge
func (m *Metrics) AddCallRooms(delta int) {
	if m == nil {
		return
	}
	m.callRoomsActive.Add(float64(delta))
}

// RecordMessage counts a persisted message
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(kind).Inc()
}

// RecordPushNotification counts a push attempt
func (m *Metrics) RecordPushNotification(category string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.pushNotificationsTotal.WithLabelValues(category, status).Inc()
}
