package metrics

import "github.com/prometheus/client_golang/prometheus"

// UpstreamMetrics holds Prometheus metrics for the plugin API client.
type UpstreamMetrics struct {
	Requests           *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CoalescedRequests  prometheus.Counter
}

// NewUpstreamMetrics creates and registers upstream client metrics on the given registry.
func NewUpstreamMetrics(reg prometheus.Registerer) *UpstreamMetrics {
	m := &UpstreamMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of plugin API requests, by topic and result.",
		}, []string{"topic", "result"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per topic (0=closed, 1=half-open, 2=open).",
		}, []string{"topic"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state changes, by topic and new state.",
		}, []string{"topic", "state"}),
		CoalescedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "coalesced_requests_total",
			Help:      "Total number of live fetches served by an in-flight request.",
		}),
	}

	reg.MustRegister(m.Requests, m.CircuitState, m.CircuitTransitions, m.CoalescedRequests)
	return m
}
