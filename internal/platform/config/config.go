package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/pscheid92/mcpulse/internal/domain"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`
	AppURL string `env:"APP_URL" default:"http://localhost:8080"`

	PluginHost   string `env:"PLUGIN_HOST"`
	PluginPort   int    `env:"PLUGIN_PORT"`
	PluginAPIKey string `env:"PLUGIN_API_KEY"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" default:"2s"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT"` // unset: POLL_INTERVAL
	SubscriberBuffer  int           `env:"SUBSCRIBER_BUFFER" default:"100"`
	HandshakeAttempts int           `env:"HANDSHAKE_ATTEMPTS" default:"5"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"5"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"10"`
	APIRatePerIP            float64 `env:"API_RATE_PER_IP" default:"10"`
	APIBurst                int     `env:"API_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = cfg.PollInterval
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// PluginBaseURL is the root of the plugin REST API.
func (c *Config) PluginBaseURL() string {
	return "http://" + net.JoinHostPort(c.PluginHost, strconv.Itoa(c.PluginPort)) + "/api"
}

func validate(cfg *Config) error {
	required := map[string]string{
		"PLUGIN_HOST":    cfg.PluginHost,
		"PLUGIN_API_KEY": cfg.PluginAPIKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.PluginPort == 0 {
		return errors.New("PLUGIN_PORT is required")
	}
	if cfg.PluginPort < 1 || cfg.PluginPort > 65535 {
		return fmt.Errorf("PLUGIN_PORT must be between 1 and 65535, got %d", cfg.PluginPort)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.FetchTimeout < 0 || cfg.FetchTimeout > cfg.PollInterval {
		return fmt.Errorf("FETCH_TIMEOUT must be positive and at most POLL_INTERVAL (%s), got %s", cfg.PollInterval, cfg.FetchTimeout)
	}
	if cfg.SubscriberBuffer < domain.TopicCount {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be at least %d, got %d", domain.TopicCount, cfg.SubscriberBuffer)
	}
	if cfg.HandshakeAttempts < 1 {
		return fmt.Errorf("HANDSHAKE_ATTEMPTS must be at least 1, got %d", cfg.HandshakeAttempts)
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return nil
}
