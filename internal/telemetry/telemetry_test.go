package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/tierd/internal/config"
)

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		OTLPEndpoint:    "https://otel.corp:4318",
		OTLPProtocol:    "http/protobuf",
		ServiceName:     "tierd-eu",
		SamplingRate:    0.25,
	}, "1.2.0")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.0", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
	assert.InDelta(t, 0.25, cfg.SamplingRate, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, false},
		{"local insecure", func(c *Config) {}, false},
		{"loopback ipv6", func(c *Config) { c.Endpoint = "[::1]:4317" }, false},
		{"remote insecure", func(c *Config) { c.Endpoint = "otel.corp:4317" }, true},
		{"remote tls", func(c *Config) { c.Endpoint = "otel.corp:4317"; c.Insecure = false }, false},
		{"bad protocol", func(c *Config) { c.Protocol = "thrift" }, true},
		{"bad sampling", func(c *Config) { c.SamplingRate = 1.5 }, true},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))

	var nilTel *Telemetry
	assert.NoError(t, nilTel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsGlobalSpans(t *testing.T) {
	tt := NewTestTelemetry(t)
	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.Answer")
	span.SetAttributes(attribute.String("llm.endpoint", "internal"))
	span.End()

	v, ok := tt.Attribute("pipeline.Answer", "llm.endpoint")
	require.True(t, ok)
	assert.Equal(t, "internal", v.AsString())

	rm, err := tt.Metrics(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rm.ScopeMetrics)
}
