package metrics

import "github.com/prometheus/client_golang/prometheus"

// BroadcasterMetrics holds Prometheus metrics for the in-process fan-out hub.
type BroadcasterMetrics struct {
	Subscribers       prometheus.Gauge
	MessagesPublished *prometheus.CounterVec
	SlowEvicted       prometheus.Counter
	DroppedEvents     prometheus.Counter
	CommandQueueDepth prometheus.Gauge
	Panics            prometheus.Counter
}

// NewBroadcasterMetrics creates and registers broadcaster metrics on the given registry.
func NewBroadcasterMetrics(reg prometheus.Registerer) *BroadcasterMetrics {
	m := &BroadcasterMetrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "subscribers",
			Help:      "Number of registered subscriptions.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "messages_published_total",
			Help:      "Total number of events fanned out, by topic.",
		}, []string{"topic"}),
		SlowEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "slow_subscribers_evicted_total",
			Help:      "Total number of subscriptions evicted because their buffer was full.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "dropped_events_total",
			Help:      "Total number of events dropped because they could not be encoded or the hub was stopped.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "command_queue_depth",
			Help:      "Number of commands waiting for the broadcaster actor.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "panics_total",
			Help:      "Total number of recovered panics in the broadcaster actor.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.MessagesPublished, m.SlowEvicted, m.DroppedEvents, m.CommandQueueDepth, m.Panics)
	return m
}
