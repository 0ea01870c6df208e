package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/mcpulse/internal/adapter/plugin"
	"github.com/pscheid92/mcpulse/internal/domain"
	apperrors "github.com/pscheid92/mcpulse/internal/platform/errors"
)

// sourceCache selects the poller's last known value instead of a live plugin read.
const sourceCache = "cache"

type topicStatus struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Cached   bool   `json:"cached"`
	Circuit  string `json:"circuit"`
}

type topicsResponse struct {
	Topics []topicStatus `json:"topics"`
}

type topicResponse struct {
	Type   string       `json:"type"`
	Data   domain.Value `json:"data"`
	Source string       `json:"source"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", newRateLimiter(s.config.APIRatePerIP, s.config.APIBurst))
	api.GET("/topics", s.handleListTopics)
	api.GET("/topics/:topic", s.handleGetTopic)
}

func (s *Server) handleListTopics(c echo.Context) error {
	cache := s.cache.Snapshot()

	resp := topicsResponse{Topics: make([]topicStatus, 0, domain.TopicCount)}
	for _, topic := range domain.AllTopics() {
		_, cached := cache[topic]
		resp.Topics = append(resp.Topics, topicStatus{
			Name:     topic.String(),
			Endpoint: topic.Endpoint(),
			Cached:   cached,
			Circuit:  s.topics.CircuitState(topic).String(),
		})
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write topics response: %w", err)
	}
	return nil
}

// handleGetTopic returns one topic. By default the plugin is queried live;
// ?source=cache answers from the poller's last known value.
func (s *Server) handleGetTopic(c echo.Context) error {
	name := c.Param("topic")
	topic, err := domain.ParseTopic(name)
	if err != nil {
		return apperrors.NotFoundError("unknown topic").WithField("topic", name)
	}

	if c.QueryParam("source") == sourceCache {
		value, ok := s.cache.Snapshot()[topic]
		if !ok {
			return apperrors.NotFoundError("topic not polled yet").WithField("topic", name)
		}
		return writeTopic(c, topic, value, sourceCache)
	}

	value, err := s.topics.LiveFetch(c.Request().Context(), topic)
	if err != nil {
		return upstreamError(topic, err)
	}
	return writeTopic(c, topic, value, "live")
}

func writeTopic(c echo.Context, topic domain.Topic, value domain.Value, source string) error {
	resp := topicResponse{Type: topic.String(), Data: value, Source: source}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write topic response: %w", err)
	}
	return nil
}

func upstreamError(topic domain.Topic, err error) *apperrors.Error {
	var apiErr *plugin.APIError
	switch {
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return apperrors.UnavailableError("plugin unavailable", err).WithField("topic", topic.String())
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.UnavailableError("plugin timed out", err).WithField("topic", topic.String())
	case errors.As(err, &apiErr):
		return apperrors.ExternalError("plugin request failed", err).
			WithField("topic", topic.String()).
			WithField("upstream_status", apiErr.StatusCode)
	default:
		return apperrors.ExternalError("plugin request failed", err).WithField("topic", topic.String())
	}
}
