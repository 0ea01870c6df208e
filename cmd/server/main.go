package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/mcpulse/internal/adapter/httpserver"
	"github.com/pscheid92/mcpulse/internal/adapter/metrics"
	"github.com/pscheid92/mcpulse/internal/adapter/plugin"
	"github.com/pscheid92/mcpulse/internal/app"
	"github.com/pscheid92/mcpulse/internal/broadcast"
	"github.com/pscheid92/mcpulse/internal/platform/config"
	"github.com/pscheid92/mcpulse/internal/platform/logging"
	"github.com/pscheid92/mcpulse/internal/platform/retry"
	"github.com/pscheid92/mcpulse/internal/platform/version"
)

const (
	shutdownTimeout    = 10 * time.Second
	handshakeTimeout   = 2 * time.Minute
	handshakeBackoff   = time.Second
	handshakeMaxWait   = 30 * time.Second
	handshakeRateLimit = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// awaitPlugin blocks until the plugin answers its handshake or the attempts run out.
func awaitPlugin(client *plugin.Client, attempts int, clock clockwork.Clock) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:      attempts,
		InitialBackoff:   handshakeBackoff,
		MaxBackoff:       handshakeMaxWait,
		RateLimitBackoff: handshakeRateLimit,
		Clock:            clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Plugin handshake failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	if err := retry.DoVoid(ctx, policy, plugin.ClassifyError, func() error { return client.Handshake(ctx) }); err != nil {
		slog.Error("Plugin handshake failed", "attempts", attempts, "error", err)
		os.Exit(1)
	}
	slog.Info("Plugin handshake succeeded")
}

func runGracefulShutdown(srv *httpserver.Server, stopPoller context.CancelFunc, pollerDone <-chan struct{}, broadcaster *broadcast.Broadcaster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopPoller()
		<-pollerDone

		// Closes every subscription; open sessions send a going-away close frame.
		broadcaster.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	registry := metrics.NewRegistry()
	pollerMetrics := metrics.NewPollerMetrics(registry)
	broadcasterMetrics := metrics.NewBroadcasterMetrics(registry)
	wsMetrics := metrics.NewWebSocketMetrics(registry)
	upstreamMetrics := metrics.NewUpstreamMetrics(registry)
	httpMetrics := metrics.NewHTTPMetrics(registry)

	client := plugin.NewClient(plugin.Options{
		BaseURL:    cfg.PluginBaseURL(),
		APIKey:     cfg.PluginAPIKey,
		PublicHost: cfg.PluginHost,
		Metrics:    upstreamMetrics,
	})
	awaitPlugin(client, cfg.HandshakeAttempts, clock)

	broadcaster := broadcast.NewBroadcaster(clock, broadcast.Options{
		BufferSize: cfg.SubscriberBuffer,
		Metrics:    broadcasterMetrics,
	})

	poller := app.NewPoller(client, broadcaster, clock, app.PollerOptions{
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		Metrics:      pollerMetrics,
	})
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Run(pollerCtx)
	}()

	srv := httpserver.NewServer(cfg, httpserver.Dependencies{
		Hub:         broadcaster,
		Topics:      client,
		Cache:       poller,
		Registry:    registry,
		HTTPMetrics: httpMetrics,
		WSMetrics:   wsMetrics,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "plugin", Check: client.Handshake},
		},
		Clock: clock,
	})

	done := runGracefulShutdown(srv, stopPoller, pollerDone, broadcaster)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
