package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/domain"
)

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

type runningSession struct {
	session *Session
	done    chan error
	cancel  context.CancelFunc
}

func startSession(t *testing.T, conn Conn, hub Hub, clock clockwork.Clock, m *metrics.WebSocketMetrics) *runningSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{
		session: NewSession(conn, hub, clock, m),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	go func() { rs.done <- rs.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rs.done
	})
	return rs
}

func (rs *runningSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rs.done:
		rs.done <- err
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

func TestSession_InitialSnapshotThenLiveUpdates(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	a := event(domain.TopicMetrics, `5`)
	bv := event(domain.TopicPlayers, `7`)
	b.Publish(a)
	b.Publish(bv)

	server, client := newTestConnPair(t)
	rs := startSession(t, server, b, clockwork.NewRealClock(), nil)

	got := []string{readText(t, client), readText(t, client)}
	assert.ElementsMatch(t, []string{wire(t, a), wire(t, bv)}, got)
	assert.Equal(t, StateActive, rs.session.State())

	live := event(domain.TopicPlayers, `8`)
	b.Publish(live)
	assert.Equal(t, wire(t, live), readText(t, client))
}

func TestSession_ClientPingGetsNoReply(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, client := newTestConnPair(t)
	startSession(t, server, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 1))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"hello":"server"}`)))

	// The next frame the client sees is the published event, not a reply.
	e := event(domain.TopicConsole, `["[INFO] Done"]`)
	b.Publish(e)
	assert.Equal(t, wire(t, e), readText(t, client))
}

func TestSession_ClientCloseEndsSessionAndUnsubscribes(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, client := newTestConnPair(t)
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	rs := startSession(t, server, b, clockwork.NewRealClock(), m)
	require.True(t, waitForSubscriberCount(b, 1))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.NoError(t, rs.wait(t))
	assert.Equal(t, StateClosed, rs.session.State())
	assert.True(t, waitForSubscriberCount(b, 0))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestSession_ClosingOneSessionDoesNotAffectOthers(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server1, client1 := newTestConnPair(t)
	server2, client2 := newTestConnPair(t)
	rs1 := startSession(t, server1, b, clockwork.NewRealClock(), nil)
	startSession(t, server2, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 2))

	require.NoError(t, client1.Close())
	rs1.wait(t)
	require.True(t, waitForSubscriberCount(b, 1))

	e := event(domain.TopicBlacklist, `["Griefer"]`)
	b.Publish(e)
	assert.Equal(t, wire(t, e), readText(t, client2))
}

func TestSession_CancelClosesConnection(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, client := newTestConnPair(t)
	rs := startSession(t, server, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 1))

	rs.cancel()
	assert.NoError(t, rs.wait(t))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.True(t, waitForSubscriberCount(b, 0))
}

func TestSession_BroadcasterStopClosesWithGoingAway(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, client := newTestConnPair(t)
	rs := startSession(t, server, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 1))

	b.Stop()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Contains(t, closeErr.Text, "shutting down")
	assert.ErrorIs(t, rs.wait(t), domain.ErrBroadcasterStopped)
}

func TestSession_SendsTransportPings(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, client := newTestConnPair(t)
	clock := clockwork.NewFakeClock()
	startSession(t, server, b, clock, nil)
	require.True(t, waitForSubscriberCount(b, 1))

	pings := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(pingInterval)

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no transport ping received")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, _ := newTestConnPair(t)
	rs := startSession(t, server, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 1))

	assert.NotPanics(t, func() {
		rs.session.Close()
		rs.session.Close()
	})
	rs.wait(t)
	assert.Equal(t, StateClosed, rs.session.State())
	assert.True(t, waitForSubscriberCount(b, 0))
}

func TestSession_CloseBeforeRunNeverSubscribes(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	session := NewSession(newFakeConn(false), b, clockwork.NewRealClock(), nil)

	session.Close()
	assert.NoError(t, session.Run(context.Background()))
	assert.True(t, waitForSubscriberCount(b, 0))
	assert.Equal(t, StateClosed, session.State())
}

// hookedHub runs onSubscribe after the broadcaster has registered the subscription.
type hookedHub struct {
	*Broadcaster
	onSubscribe func()
}

func (h *hookedHub) Subscribe() (*Subscription, error) {
	sub, err := h.Broadcaster.Subscribe()
	h.onSubscribe()
	return sub, err
}

func TestSession_CloseWhileSubscribingStaysClosed(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	conn := newFakeConn(false)
	hub := &hookedHub{Broadcaster: b}
	session := NewSession(conn, hub, clockwork.NewRealClock(), nil)
	hub.onSubscribe = session.Close

	assert.NoError(t, session.Run(context.Background()))
	assert.Equal(t, StateClosed, session.State(), "a closed session never becomes active")
	assert.True(t, waitForSubscriberCount(b, 0))
	assert.True(t, conn.isClosed())
}

func TestSession_ActiveWhileRunning(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	server, _ := newTestConnPair(t)
	rs := startSession(t, server, b, clockwork.NewRealClock(), nil)
	require.True(t, waitForSubscriberCount(b, 1))

	assert.Eventually(t, func() bool { return rs.session.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func TestSession_SubscribeFailure(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	b.Stop()
	conn := newFakeConn(false)

	err := NewSession(conn, b, clockwork.NewRealClock(), nil).Run(context.Background())

	assert.ErrorIs(t, err, domain.ErrBroadcasterStopped)
	assert.True(t, conn.isClosed())
}

// fakeConn is an in-memory Conn. A blocking fakeConn never completes a data write
// until its write deadline passes or it is closed.
type fakeConn struct {
	blockWrites bool

	mu            sync.Mutex
	writeDeadline time.Time
	texts         [][]byte

	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

var errFakeClosed = errors.New("fake conn closed")

func newFakeConn(blockWrites bool) *fakeConn {
	return &fakeConn{
		blockWrites: blockWrites,
		written:     make(chan []byte, 256),
		closed:      make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errFakeClosed
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.blockWrites {
		c.mu.Lock()
		deadline := c.writeDeadline
		c.mu.Unlock()
		select {
		case <-c.closed:
			return errFakeClosed
		case <-time.After(time.Until(deadline)):
			return errors.New("i/o timeout")
		}
	}
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.written <- append([]byte(nil), data...)
	}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestSession_BlockedTransportDoesNotDelayOtherSessions(t *testing.T) {
	const sessions = 50
	b, _ := newTestBroadcaster(t, domain.TopicCount)
	clock := clockwork.NewRealClock()

	stuck := newFakeConn(true)
	startSession(t, stuck, b, clock, nil)

	healthy := make([]*fakeConn, 0, sessions-1)
	for range sessions - 1 {
		conn := newFakeConn(false)
		healthy = append(healthy, conn)
		startSession(t, conn, b, clock, nil)
	}
	require.True(t, waitForSubscriberCount(b, sessions))

	// First event wedges the stuck session in WriteMessage; the rest overflow its buffer.
	for n := range domain.TopicCount + 2 {
		e := event(domain.TopicMetrics, `{"tick":`+string(rune('0'+n%10))+`}`)
		b.Publish(e)

		deadline := time.After(2 * time.Second)
		for _, conn := range healthy {
			select {
			case msg := <-conn.written:
				assert.Equal(t, wire(t, e), string(msg))
			case <-deadline:
				t.Fatalf("event %d not delivered to every healthy session within one interval", n)
			}
		}
	}

	assert.True(t, waitForSubscriberCount(b, sessions-1), "stuck session should be evicted")
}
