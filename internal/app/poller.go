package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/domain"
	"github.com/pscheid92/mcpulse/internal/platform/correlation"
)

const defaultPollInterval = 2 * time.Second

// PollerOptions tunes the Poller. Zero values fall back to defaults.
type PollerOptions struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Metrics      *metrics.PollerMetrics
}

// Poller periodically fetches every topic from the upstream source and publishes
// an event for each topic whose value changed since the last successful fetch.
type Poller struct {
	source       domain.Source
	publisher    domain.EventPublisher
	clock        clockwork.Clock
	interval     time.Duration
	fetchTimeout time.Duration
	metrics      *metrics.PollerMetrics

	mu    sync.RWMutex
	cache Cache
}

func NewPoller(source domain.Source, publisher domain.EventPublisher, clock clockwork.Clock, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.FetchTimeout <= 0 || opts.FetchTimeout > opts.Interval {
		opts.FetchTimeout = opts.Interval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPollerMetrics(prometheus.NewRegistry())
	}

	return &Poller{
		source:       source,
		publisher:    publisher,
		clock:        clock,
		interval:     opts.Interval,
		fetchTimeout: opts.FetchTimeout,
		metrics:      opts.Metrics,
		cache:        make(Cache, domain.TopicCount),
	}
}

// Run polls once immediately, so the first subscribers get a snapshot, then once per
// interval. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Poller started", "interval", p.interval, "fetch_timeout", p.fetchTimeout)
	p.Tick(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Poller stopped")
			return
		case <-ticker.Chan():
			p.Tick(ctx)
		}
	}
}

type fetchResult struct {
	value domain.Value
	err   error
}

// Tick performs one reconciliation pass: all topics are fetched concurrently, then
// results are applied and published in the fixed topic order. It returns once every
// event of the pass has been handed to the publisher.
func (p *Poller) Tick(ctx context.Context) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())
	start := p.clock.Now()

	topics := domain.AllTopics()
	results := make([]fetchResult, len(topics))

	var g errgroup.Group
	for i, topic := range topics {
		g.Go(func() error {
			results[i] = p.fetch(tickCtx, topic)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.RLock()
	cache := p.cache
	p.mu.RUnlock()

	events := make([]domain.Event, 0, len(topics))
	for i, topic := range topics {
		res := results[i]
		if res.err != nil {
			p.metrics.FetchErrors.WithLabelValues(topic.String()).Inc()
			slog.WarnContext(tickCtx, "Poller: fetch failed", "topic", topic.String(), "error", res.err)
			continue
		}

		var event *domain.Event
		cache, event = Apply(cache, topic, res.value)
		if event != nil {
			events = append(events, *event)
		}
	}

	p.mu.Lock()
	p.cache = cache
	p.mu.Unlock()

	for _, event := range events {
		p.metrics.Events.WithLabelValues(event.Topic.String()).Inc()
		p.publisher.Publish(event)
	}

	p.metrics.Ticks.Inc()
	p.metrics.TickDuration.Observe(p.clock.Since(start).Seconds())
	if len(events) > 0 {
		slog.DebugContext(tickCtx, "Poller: published changes", "events", len(events))
	}
}

func (p *Poller) fetch(ctx context.Context, topic domain.Topic) fetchResult {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan fetchResult, 1)
	go func() {
		done <- p.fetchOnce(fetchCtx, topic)
	}()

	var res fetchResult
	select {
	case res = <-done:
	case <-fetchCtx.Done():
		res = fetchResult{err: fmt.Errorf("fetch %s: %w", topic, fetchCtx.Err())}
	}
	p.metrics.FetchDuration.WithLabelValues(topic.String()).Observe(time.Since(start).Seconds())
	return res
}

// fetchOnce calls the source, converting a panic into an error.
func (p *Poller) fetchOnce(ctx context.Context, topic domain.Topic) (res fetchResult) {
	defer func() {
		if r := recover(); r != nil {
			res = fetchResult{err: fmt.Errorf("fetch %s panicked: %v", topic, r)}
		}
	}()

	value, err := p.source.Fetch(ctx, topic)
	if err != nil {
		return fetchResult{err: fmt.Errorf("fetch %s: %w", topic, err)}
	}
	if value.IsZero() {
		return fetchResult{err: fmt.Errorf("fetch %s: %w: empty response", topic, domain.ErrInvalidValue)}
	}
	return fetchResult{value: value}
}

// Snapshot returns a copy of the cache.
func (p *Poller) Snapshot() Cache {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.cache)
}
