package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PLUGIN_HOST", "127.0.0.1")
	t.Setenv("PLUGIN_PORT", "8081")
	t.Setenv("PLUGIN_API_KEY", "test-api-key")
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.PluginHost)
	assert.Equal(t, 8081, cfg.PluginPort)
	assert.Equal(t, "test-api-key", cfg.PluginAPIKey)
	assert.Equal(t, "http://127.0.0.1:8081/api", cfg.PluginBaseURL())
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		skipEnv string
		wantErr string
	}{
		{"missing PLUGIN_HOST", "PLUGIN_HOST", "PLUGIN_HOST is required"},
		{"missing PLUGIN_PORT", "PLUGIN_PORT", "PLUGIN_PORT is required"},
		{"missing PLUGIN_API_KEY", "PLUGIN_API_KEY", "PLUGIN_API_KEY is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.skipEnv, "")
			require.NoError(t, os.Unsetenv(tt.skipEnv))

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 100, cfg.SubscriberBuffer)
	assert.Equal(t, 5, cfg.HandshakeAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10000, cfg.MaxWebSocketConnections)
	assert.Equal(t, 50, cfg.MaxConnectionsPerIP)
	assert.InDelta(t, 5.0, cfg.ConnectionRatePerIP, 0.001)
	assert.Equal(t, 10, cfg.ConnectionBurst)
	assert.InDelta(t, 10.0, cfg.APIRatePerIP, 0.001)
	assert.Equal(t, 20, cfg.APIBurst)
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_FetchTimeoutFollowsPollInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.FetchTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"port out of range", map[string]string{"PLUGIN_PORT": "70000"}, "PLUGIN_PORT must be between 1 and 65535"},
		{"fetch timeout above interval", map[string]string{"POLL_INTERVAL": "1s", "FETCH_TIMEOUT": "2s"}, "FETCH_TIMEOUT must be positive and at most POLL_INTERVAL"},
		{"negative fetch timeout", map[string]string{"FETCH_TIMEOUT": "-1s"}, "FETCH_TIMEOUT must be positive and at most POLL_INTERVAL"},
		{"zero interval", map[string]string{"POLL_INTERVAL": "0s"}, "POLL_INTERVAL must be positive"},
		{"buffer below topic count", map[string]string{"SUBSCRIBER_BUFFER": "3"}, "SUBSCRIBER_BUFFER must be at least 10"},
		{"no handshake attempts", map[string]string{"HANDSHAKE_ATTEMPTS": "0"}, "HANDSHAKE_ATTEMPTS must be at least 1"},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT must be text or json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MalformedDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load environment variables")
}

func TestPluginBaseURL_IPv6(t *testing.T) {
	cfg := &Config{PluginHost: "::1", PluginPort: 8081}
	assert.Equal(t, "http://[::1]:8081/api", cfg.PluginBaseURL())
}
