package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autopilot/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "autopilot", cfg.ServiceName)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "autopilot-staging",
		Endpoint:        "otel.internal:4318",
		Protocol:        "http/protobuf",
		SampleRate:      0.25,
	}, "1.4.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "autopilot-staging", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.Equal(t, "otel.internal:4318", cfg.Endpoint)
	assert.False(t, cfg.Insecure)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid default", mutate: func(*Config) {}},
		{name: "disabled skips validation", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, errMsg: "endpoint is required"},
		{name: "missing service name", mutate: func(c *Config) { c.Enabled = true; c.ServiceName = "" }, errMsg: "service_name is required"},
		{name: "insecure remote", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" }, errMsg: "insecure connections"},
		{name: "insecure ipv6 loopback", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }},
		{name: "insecure http scheme local", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "http://127.0.0.1:4318" }},
		{name: "sample rate too high", mutate: func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, errMsg: "sample_rate"},
		{name: "unknown protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, errMsg: "unknown protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4317", stripScheme("otel:4317"))
}
