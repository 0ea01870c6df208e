package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/domain"
)

const (
	handshakePath = "/handshake"

	defaultRequestTimeout   = 10 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	liveFetchTimeout        = 5 * time.Second
	maxBodyBytes            = 8 << 20
	maxErrorBodyBytes       = 512
)

// Options configures a Client. BaseURL and APIKey are required.
type Options struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8081/api.
	BaseURL string
	APIKey  string
	// PublicHost replaces the "ip" field of server_info payloads. Empty disables the override.
	PublicHost string

	HTTPClient       *http.Client
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Metrics          *metrics.UpstreamMetrics
}

// APIError is a non-2xx response from the plugin.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("plugin API %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("plugin API %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	apiKey     string
	publicHost string
	httpClient *http.Client
	metrics    *metrics.UpstreamMetrics
	breakers   [domain.TopicCount]*gobreaker.CircuitBreaker
	live       singleflight.Group
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUpstreamMetrics(prometheus.NewRegistry())
	}

	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		publicHost: opts.PublicHost,
		httpClient: opts.HTTPClient,
		metrics:    opts.Metrics,
	}

	threshold := opts.FailureThreshold
	for _, topic := range domain.AllTopics() {
		c.metrics.CircuitState.WithLabelValues(topic.String()).Set(float64(gobreaker.StateClosed))
		c.breakers[topic] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        topic.String(),
			MaxRequests: 1,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Shutdown cancellations say nothing about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: c.onStateChange,
		})
	}
	return c
}

func (c *Client) onStateChange(name string, from, to gobreaker.State) {
	c.metrics.CircuitState.WithLabelValues(name).Set(float64(to))
	c.metrics.CircuitTransitions.WithLabelValues(name, to.String()).Inc()
	slog.Warn("Upstream circuit state changed", "topic", name, "from", from.String(), "to", to.String())
}

// Fetch returns the current value of a topic. An open circuit fails fast with
// domain.ErrUpstreamUnavailable.
func (c *Client) Fetch(ctx context.Context, topic domain.Topic) (domain.Value, error) {
	if !topic.Valid() {
		return domain.Value{}, fmt.Errorf("fetch: %w: %d", domain.ErrUnknownTopic, int(topic))
	}

	result, err := c.breakers[topic].Execute(func() (interface{}, error) {
		return c.get(ctx, topic.Endpoint(), true)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.Requests.WithLabelValues(topic.String(), "rejected").Inc()
			return domain.Value{}, fmt.Errorf("fetch %s: %w: %w", topic, domain.ErrUpstreamUnavailable, err)
		}
		c.metrics.Requests.WithLabelValues(topic.String(), "error").Inc()
		return domain.Value{}, err
	}
	c.metrics.Requests.WithLabelValues(topic.String(), "ok").Inc()

	value := result.(domain.Value)
	if topic == domain.TopicServerInfo && c.publicHost != "" {
		return c.overrideIP(value)
	}
	return value, nil
}

// LiveFetch is Fetch for request-driven reads: concurrent calls for the same topic share
// one upstream request. The shared request is not cancelled by any single caller.
func (c *Client) LiveFetch(ctx context.Context, topic domain.Topic) (domain.Value, error) {
	ch := c.live.DoChan(topic.String(), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), liveFetchTimeout)
		defer cancel()
		return c.Fetch(fetchCtx, topic)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.CoalescedRequests.Inc()
		}
		if res.Err != nil {
			return domain.Value{}, res.Err
		}
		return res.Val.(domain.Value), nil
	case <-ctx.Done():
		return domain.Value{}, ctx.Err()
	}
}

// Handshake checks that the plugin is reachable. It is unauthenticated.
func (c *Client) Handshake(ctx context.Context) error {
	if _, err := c.get(ctx, handshakePath, false); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, err)
	}
	return nil
}

// CircuitState reports the breaker state of a topic.
func (c *Client) CircuitState(topic domain.Topic) gobreaker.State {
	if !topic.Valid() {
		return gobreaker.StateClosed
	}
	return c.breakers[topic].State()
}

func (c *Client) get(ctx context.Context, path string, authenticated bool) (domain.Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return domain.Value{}, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Value{}, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return domain.Value{}, &APIError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.Value{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(body) == 0 {
		return domain.Value{}, nil
	}

	value, err := domain.NewValue(body)
	if err != nil {
		return domain.Value{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return value, nil
}

// overrideIP replaces the server's self-reported bind address with the host clients
// should connect to.
func (c *Client) overrideIP(value domain.Value) (domain.Value, error) {
	tree, err := value.Tree()
	if err != nil {
		return domain.Value{}, err
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return value, nil
	}
	obj["ip"] = c.publicHost
	return domain.FromTree(obj)
}
