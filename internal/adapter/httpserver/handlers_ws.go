package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/mcpulse/internal/broadcast"
)

// Connection results recorded on the connections_total counter.
const (
	connResultAccepted      = "accepted"
	connResultRejected      = "rejected"
	connResultUpgradeFailed = "upgrade_failed"
)

// handleWebSocket admits the client through the connection limits, upgrades it and
// serves it until the session ends. The handler blocks for the session's lifetime.
func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		s.wsMetrics.Connections.WithLabelValues(connResultRejected).Inc()
		s.wsMetrics.Rejections.WithLabelValues(string(reason)).Inc()
		slog.WarnContext(ctx, "WebSocket connection rejected", "ip", ip, "reason", reason)
		return tooManyRequests(c, "connection limit exceeded", map[string]any{"reason": string(reason)})
	}
	defer s.limits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.wsMetrics.Connections.WithLabelValues(connResultUpgradeFailed).Inc()
		slog.DebugContext(ctx, "WebSocket upgrade failed", "ip", ip, "error", err)
		return nil
	}
	s.wsMetrics.Connections.WithLabelValues(connResultAccepted).Inc()

	session := broadcast.NewSession(conn, s.hub, s.clock, s.wsMetrics)
	log := slog.With("session_id", session.ID().String(), "ip", ip)
	log.DebugContext(ctx, "WebSocket session started")

	if err := session.Run(ctx); err != nil {
		log.InfoContext(ctx, "WebSocket session ended", "error", err)
		return nil
	}
	log.DebugContext(ctx, "WebSocket session ended")
	return nil
}
