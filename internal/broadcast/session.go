package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/domain"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

var errSubscriptionClosed = errors.New("subscription closed")

// Conn is the subset of *websocket.Conn a Session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Hub is the subscription side of the Broadcaster.
type Hub interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

// State is the lifecycle phase of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session streams broadcaster messages to one client connection.
type Session struct {
	id      uuid.UUID
	conn    Conn
	hub     Hub
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics
	state   atomic.Int32

	mu     sync.Mutex
	sub    *Subscription
	closed bool

	// endReason is set by the forward loop when the broadcaster ended the subscription.
	endReason error

	closeOnce sync.Once
}

// NewSession wraps an upgraded connection. m may be nil.
func NewSession(conn Conn, hub Hub, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Session {
	if m == nil {
		m = metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	}
	return &Session{
		id:      uuid.New(),
		conn:    conn,
		hub:     hub,
		clock:   clock,
		metrics: m,
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run subscribes to the hub and serves the connection until the client goes away,
// the subscription ends, a write fails or ctx is cancelled. The connection is closed
// when Run returns. Client-initiated closes and cancellation return nil.
func (s *Session) Run(ctx context.Context) error {
	log := slog.With("session_id", s.id.String())

	sub, err := s.hub.Subscribe()
	if err != nil {
		s.closeWith(websocket.CloseTryAgainLater, "server unavailable")
		return fmt.Errorf("subscribe: %w", err)
	}
	if !s.attach(sub) {
		s.hub.Unsubscribe(sub)
		return nil
	}

	s.metrics.ActiveConnections.Inc()
	start := s.clock.Now()
	log.DebugContext(ctx, "Session active", "subscription_id", sub.ID().String())

	defer func() {
		s.metrics.ActiveConnections.Dec()
		s.metrics.ConnectionDuration.Observe(s.clock.Since(start).Seconds())
	}()

	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forward(gctx, sub) })
	g.Go(s.receive)
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})

	err = g.Wait()
	s.state.Store(int32(StateClosed))

	if s.endReason != nil {
		err = s.endReason
	}
	if ctx.Err() != nil || isExpectedClose(err) {
		log.DebugContext(ctx, "Session closed", "reason", err)
		return nil
	}
	log.InfoContext(ctx, "Session ended", "error", err)
	return err
}

// Close unsubscribes and closes the connection. Safe to call more than once and
// concurrently with Run.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosing))
		s.closed = true
		sub := s.sub
		s.mu.Unlock()

		if sub != nil {
			s.hub.Unsubscribe(sub)
		}

		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		_ = s.conn.Close()

		s.state.Store(int32(StateClosed))
	})
}

// attach records the subscription and marks the session active unless it was closed
// while subscribing. State changes to Active and Closing both happen under mu.
func (s *Session) attach(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sub = sub
	s.state.Store(int32(StateActive))
	return true
}

// forward writes subscription messages and periodic transport pings. It is the only
// writer of data frames on the connection.
func (s *Session) forward(ctx context.Context, sub *Subscription) error {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-sub.C():
			if !ok {
				return s.subscriptionEnded(sub)
			}
			s.extendWriteDeadline()
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			s.metrics.MessagesSent.Inc()

		case <-ticker.Chan():
			s.extendWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.metrics.PingFailures.Inc()
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// subscriptionEnded closes the connection with a code matching why the broadcaster
// let go of the subscription.
func (s *Session) subscriptionEnded(sub *Subscription) error {
	switch err := sub.Err(); {
	case errors.Is(err, domain.ErrSubscriptionEvicted):
		s.endReason = err
		s.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return err
	case errors.Is(err, domain.ErrBroadcasterStopped):
		s.endReason = err
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
		return err
	default:
		return errSubscriptionClosed
	}
}

// receive drains inbound frames so control frames are processed. Clients never get
// a reply: the "ping" keepalive and any other payload are discarded.
func (s *Session) receive() error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.extendReadDeadline()

		// Application-level keepalive; consumed without a reply.
		if messageType == websocket.TextMessage && string(data) == string(domain.MessageTypePing) {
			continue
		}
		slog.Debug("Ignoring client frame", "session_id", s.id.String(), "message_type", messageType, "bytes", len(data))
	}
}

// Deadlines are absolute wall-clock instants checked by the network stack, so they
// use time.Now rather than the injected clock.
func (s *Session) extendWriteDeadline() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (s *Session) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}

func isExpectedClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errSubscriptionClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	return false
}
