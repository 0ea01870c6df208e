package metrics

import "github.com/prometheus/client_golang/prometheus"

// PollerMetrics holds Prometheus metrics for the upstream polling loop.
type PollerMetrics struct {
	Ticks         prometheus.Counter
	TickDuration  prometheus.Histogram
	FetchDuration *prometheus.HistogramVec
	FetchErrors   *prometheus.CounterVec
	Events        *prometheus.CounterVec
}

// NewPollerMetrics creates and registers poller metrics on the given registry.
func NewPollerMetrics(reg prometheus.Registerer) *PollerMetrics {
	m := &PollerMetrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Total number of completed poll ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one poll tick including publishing.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream fetches, by topic.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"topic"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed upstream fetches, by topic.",
		}, []string{"topic"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "events_total",
			Help:      "Total number of change events emitted, by topic.",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.Ticks, m.TickDuration, m.FetchDuration, m.FetchErrors, m.Events)
	return m
}
