package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections  prometheus.Gauge
	Connections        *prometheus.CounterVec
	Rejections         *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
	MessagesSent       prometheus.Counter
	PingFailures       prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of WebSocket connection attempts, by result.",
		}, []string{"result"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejections_total",
			Help:      "Total number of rejected WebSocket connections, by reason.",
		}, []string{"reason"}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of WebSocket sessions in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total number of text frames written to clients.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Total number of failed transport-level pings.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Connections, m.Rejections, m.ConnectionDuration, m.MessagesSent, m.PingFailures)
	return m
}
