package broadcast

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/domain"
)

const (
	defaultBufferSize = 100
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	commandQueueSize  = 256
)

// Options tunes the Broadcaster. Zero values fall back to defaults.
type Options struct {
	// BufferSize is the capacity of each subscription channel. It is raised to
	// domain.TopicCount when smaller so the initial snapshot always fits.
	BufferSize int
	Metrics    *metrics.BroadcasterMetrics
}

// Subscription is one registered consumer of the broadcaster.
// The channel is closed by the broadcaster on Unsubscribe, eviction or Stop.
type Subscription struct {
	id uuid.UUID
	ch chan []byte
	// err is written by the actor before ch is closed.
	err error
}

func (s *Subscription) ID() uuid.UUID { return s.id }

// C delivers encoded wire messages: first the retained snapshot, then live events.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Err reports why the subscription ended. Only meaningful once C is closed:
// nil after Unsubscribe, domain.ErrSubscriptionEvicted or domain.ErrBroadcasterStopped otherwise.
func (s *Subscription) Err() error { return s.err }

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type subscribeCmd struct {
	baseBroadcasterCmd
	replyChannel chan *Subscription
}

type unsubscribeCmd struct {
	baseBroadcasterCmd
	id uuid.UUID
}

type publishCmd struct {
	baseBroadcasterCmd
	event domain.Event
}

type countCmd struct {
	baseBroadcasterCmd
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Broadcaster fans change events out to every subscription. All state is owned by a
// single goroutine; callers talk to it through a command channel.
//
// Back-pressure policy: a subscription whose channel is full when an event is published
// is evicted (unregistered and closed). Publishing never waits on a subscriber.
type Broadcaster struct {
	cmdCh       chan broadcasterCmd
	clock       clockwork.Clock
	metrics     *metrics.BroadcasterMetrics
	bufferSize  int
	stopTimeout time.Duration
	done        chan struct{}

	// Owned by the actor goroutine.
	subscribers map[uuid.UUID]*Subscription
	retained    [domain.TopicCount][]byte
}

// NewBroadcaster creates a broadcaster and starts its actor goroutine.
func NewBroadcaster(clock clockwork.Clock, opts Options) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BufferSize < domain.TopicCount {
		opts.BufferSize = domain.TopicCount
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewBroadcasterMetrics(prometheus.NewRegistry())
	}

	b := &Broadcaster{
		cmdCh:       make(chan broadcasterCmd, commandQueueSize),
		clock:       clock,
		metrics:     opts.Metrics,
		bufferSize:  opts.BufferSize,
		stopTimeout: stopTimeout,
		done:        make(chan struct{}),
		subscribers: make(map[uuid.UUID]*Subscription),
	}
	go b.run()
	return b
}

// Subscribe registers a new subscription seeded with the latest event of every topic
// published so far, in fixed topic order.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	replyCh := make(chan *Subscription, 1)
	if !b.send(subscribeCmd{replyChannel: replyCh}) {
		return nil, domain.ErrBroadcasterStopped
	}

	// Use timeout to prevent blocking forever if broadcaster is stuck
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case sub := <-replyCh:
		return sub, nil
	case <-b.done:
		return nil, domain.ErrBroadcasterStopped
	case <-timer.Chan():
		return nil, fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe removes the subscription and closes its channel. Safe to call more than
// once and after the subscription was evicted.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.send(unsubscribeCmd{id: sub.id})
}

// Publish hands an event to the actor for fan-out. It does not wait for delivery and
// drops the event once the broadcaster has stopped.
func (b *Broadcaster) Publish(event domain.Event) {
	if !b.send(publishCmd{event: event}) {
		b.metrics.DroppedEvents.Inc()
	}
}

// SubscriberCount returns the number of registered subscriptions, or -1 if the
// broadcaster is stopped or does not answer in time.
func (b *Broadcaster) SubscriberCount() int {
	replyCh := make(chan int, 1)
	if !b.send(countCmd{replyChannel: replyCh}) {
		return -1
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-b.done:
		return -1
	case <-timer.Chan():
		slog.Warn("SubscriberCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscription and ends the actor. It blocks until the actor has
// exited or the stop timeout is reached. Calling Stop again is a no-op.
func (b *Broadcaster) Stop() {
	if !b.send(stopCmd{}) {
		return
	}

	timeout := b.clock.NewTimer(b.stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
		slog.Info("Broadcaster stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Broadcaster stop timeout exceeded", "timeout", b.stopTimeout)
	}
}

// send enqueues a command unless the actor has exited.
func (b *Broadcaster) send(cmd broadcasterCmd) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.cmdCh <- cmd:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			b.metrics.Panics.Inc()
			b.closeAll(domain.ErrBroadcasterStopped)
		}
	}()

	// Track command channel depth every second
	depthTicker := b.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			b.metrics.CommandQueueDepth.Set(float64(depth))
			if depth > commandQueueSize*4/5 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}

		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case subscribeCmd:
				c.replyChannel <- b.handleSubscribe()
			case unsubscribeCmd:
				b.handleUnsubscribe(c.id, nil)
			case publishCmd:
				b.handlePublish(c.event)
			case countCmd:
				c.replyChannel <- len(b.subscribers)
			case stopCmd:
				b.handleStop()
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (b *Broadcaster) handleSubscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New(),
		ch: make(chan []byte, b.bufferSize),
	}

	// bufferSize >= TopicCount, so seeding never blocks.
	seeded := 0
	for _, data := range b.retained {
		if data != nil {
			sub.ch <- data
			seeded++
		}
	}

	b.subscribers[sub.id] = sub
	b.metrics.Subscribers.Set(float64(len(b.subscribers)))

	slog.Debug("Subscription registered", "subscription_id", sub.id.String(), "snapshot_topics", seeded, "total_subscribers", len(b.subscribers))
	return sub
}

// handleUnsubscribe closes and forgets a subscription, recording why it ended.
func (b *Broadcaster) handleUnsubscribe(id uuid.UUID, reason error) {
	sub, exists := b.subscribers[id]
	if !exists {
		return
	}

	sub.err = reason
	close(sub.ch)
	delete(b.subscribers, id)
	b.metrics.Subscribers.Set(float64(len(b.subscribers)))

	slog.Debug("Subscription removed", "subscription_id", id.String(), "remaining_subscribers", len(b.subscribers))
}

func (b *Broadcaster) handlePublish(event domain.Event) {
	data, err := event.Encode()
	if err != nil {
		slog.Warn("Dropping unencodable event", "topic", event.Topic.String(), "error", err)
		b.metrics.DroppedEvents.Inc()
		return
	}

	b.retained[event.Topic] = data
	b.metrics.MessagesPublished.WithLabelValues(event.Topic.String()).Inc()

	var slow []uuid.UUID
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- data:
		default:
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Evicting slow subscriber", "subscription_id", id.String(), "topic", event.Topic.String())
		b.metrics.SlowEvicted.Inc()
		b.handleUnsubscribe(id, domain.ErrSubscriptionEvicted)
	}
}

func (b *Broadcaster) handleStop() {
	total := len(b.subscribers)
	slog.Info("Broadcaster shutting down", "subscribers", total)

	b.closeAll(domain.ErrBroadcasterStopped)

	slog.Info("Broadcaster shutdown complete", "closed_subscriptions", total)
}

// closeAll closes every subscription with the given reason.
// Used during panic recovery and graceful shutdown.
func (b *Broadcaster) closeAll(reason error) {
	for id := range b.subscribers {
		b.handleUnsubscribe(id, reason)
	}
	b.metrics.Subscribers.Set(0)
}
