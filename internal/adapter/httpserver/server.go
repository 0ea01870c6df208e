package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/app"
	"github.com/pscheid92/mcpulse/internal/broadcast"
	"github.com/pscheid92/mcpulse/internal/domain"
	"github.com/pscheid92/mcpulse/internal/platform/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	wsBufferSize      = 4096
)

// topicReader reads single topics straight from the plugin.
type topicReader interface {
	LiveFetch(ctx context.Context, topic domain.Topic) (domain.Value, error)
	CircuitState(topic domain.Topic) gobreaker.State
}

// snapshotter exposes the poller's last known values.
type snapshotter interface {
	Snapshot() app.Cache
}

// Dependencies are the collaborators the HTTP surface serves from.
type Dependencies struct {
	Hub          broadcast.Hub
	Topics       topicReader
	Cache        snapshotter
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	WSMetrics    *metrics.WebSocketMetrics
	HealthChecks []HealthCheck
	Clock        clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	hub    broadcast.Hub
	topics topicReader
	cache  snapshotter

	registry    *prometheus.Registry
	httpMetrics *metrics.HTTPMetrics
	wsMetrics   *metrics.WebSocketMetrics

	limits   *ConnectionLimits
	upgrader websocket.Upgrader

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = readHeaderTimeout

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	httpMetrics := deps.HTTPMetrics
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPMetrics(registry)
	}
	wsMetrics := deps.WSMetrics
	if wsMetrics == nil {
		wsMetrics = metrics.NewWebSocketMetrics(registry)
	}

	srv := &Server{
		echo:        e,
		config:      cfg,
		clock:       clock,
		hub:         deps.Hub,
		topics:      deps.Topics,
		cache:       deps.Cache,
		registry:    registry,
		httpMetrics: httpMetrics,
		wsMetrics:   wsMetrics,
		limits: NewConnectionLimits(clock,
			int64(cfg.MaxWebSocketConnections),
			cfg.MaxConnectionsPerIP,
			cfg.ConnectionRatePerIP,
			cfg.ConnectionBurst,
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment()),
		},
		healthChecks: deps.HealthChecks,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Upgraded WebSocket connections are not tracked
// by the listener; they end when the broadcaster stops.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
