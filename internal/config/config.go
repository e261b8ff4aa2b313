// Package config loads tierd configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds the complete tierd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Clearance     ClearanceConfig     `koanf:"clearance"`
	Cache         CacheConfig         `koanf:"cache"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	LLM           LLMConfig           `koanf:"llm"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	NATS          NATSConfig          `koanf:"nats"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
}

// ClearanceConfig configures clearance resolution.
type ClearanceConfig struct {
	// CacheBackend is "memory" or "redis".
	CacheBackend string   `koanf:"cache_backend"`
	CacheTTL     Duration `koanf:"cache_ttl"`
	// ExpirySweep is how often lapsed overrides are expired. Zero disables
	// the sweep.
	ExpirySweep Duration `koanf:"expiry_sweep"`
}

// CacheTierConfig configures one semantic cache tier.
type CacheTierConfig struct {
	Enabled           bool     `koanf:"enabled"`
	DistanceThreshold float64  `koanf:"distance_threshold"`
	TTL               Duration `koanf:"ttl"`
	MaxEntries        int      `koanf:"max_entries"`
	MinPayloadLength  int      `koanf:"min_payload_length"`
	Encrypt           bool     `koanf:"encrypt"`
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	// Backend is "chromem" (process-local) or "redis" (shared).
	Backend       string          `koanf:"backend"`
	Context       CacheTierConfig `koanf:"context"`
	Response      CacheTierConfig `koanf:"response"`
	EncryptionKey Secret          `koanf:"encryption_key"`
}

// RetrievalConfig selects the vector backend.
type RetrievalConfig struct {
	// Backend is "qdrant", "chromem" or "sql".
	Backend     string `koanf:"backend"`
	TopK        int    `koanf:"top_k"`
	QdrantHost  string `koanf:"qdrant_host"`
	QdrantPort  int    `koanf:"qdrant_port"`
	QdrantTLS   bool   `koanf:"qdrant_tls"`
	QdrantKey   Secret `koanf:"qdrant_api_key"`
	Collection  string `koanf:"collection"`
	VectorSize  int    `koanf:"vector_size"`
	ChromemPath string `koanf:"chromem_path"`
}

// EndpointConfig configures one model endpoint. An endpoint without a
// provider is not configured.
type EndpointConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// Configured reports whether the endpoint is set.
func (e EndpointConfig) Configured() bool { return e.Provider != "" }

// LLMConfig configures routing.
type LLMConfig struct {
	// Policy is "strict" or "downgrade".
	Policy            string         `koanf:"policy"`
	InternalThreshold string         `koanf:"threshold"`
	Primary           EndpointConfig `koanf:"primary"`
	Internal          EndpointConfig `koanf:"internal"`
	Fallback          EndpointConfig `koanf:"fallback"`
}

// DatabaseConfig configures the permission database.
type DatabaseConfig struct {
	Driver          string   `koanf:"driver"`
	DSN             Secret   `koanf:"dsn"`
	MaxOpenConns    int      `koanf:"max_open_conns"`
	MaxIdleConns    int      `koanf:"max_idle_conns"`
	ConnMaxLifetime Duration `koanf:"conn_max_lifetime"`
	AutoMigrate     bool     `koanf:"auto_migrate"`
}

// RedisConfig configures the shared redis used by the redis cache backends.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
}

// NATSConfig configures clearance invalidation broadcast.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Enabled reports whether broadcast is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	CacheDir string `koanf:"cache_dir"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.Cache.Context.Enabled = true
	cfg.Cache.Response.Enabled = true
	applyDefaults(cfg)
	return cfg
}

// defaultsYAML seeds values whose zero value is a valid setting.
const defaultsYAML = `
cache:
  context:
    enabled: true
  response:
    enabled: true
`

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "tierd"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}

	if cfg.Clearance.CacheBackend == "" {
		cfg.Clearance.CacheBackend = "memory"
	}
	if cfg.Clearance.CacheTTL == 0 {
		cfg.Clearance.CacheTTL = Duration(5 * time.Minute)
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "chromem"
	}
	tierDefaults(&cfg.Cache.Context, 0.05, time.Hour)
	tierDefaults(&cfg.Cache.Response, 0.10, 24*time.Hour)

	if cfg.Retrieval.Backend == "" {
		cfg.Retrieval.Backend = "chromem"
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.QdrantHost == "" {
		cfg.Retrieval.QdrantHost = "localhost"
	}
	if cfg.Retrieval.QdrantPort == 0 {
		cfg.Retrieval.QdrantPort = 6334
	}
	if cfg.Retrieval.Collection == "" {
		cfg.Retrieval.Collection = "tierd_chunks"
	}
	if cfg.Retrieval.VectorSize == 0 {
		cfg.Retrieval.VectorSize = 384
	}

	if cfg.LLM.Policy == "" {
		cfg.LLM.Policy = "strict"
	}
	if cfg.LLM.InternalThreshold == "" {
		cfg.LLM.InternalThreshold = "CONFIDENTIAL"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "tierd.clearance.invalidate"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
}

func tierDefaults(t *CacheTierConfig, threshold float64, ttl time.Duration) {
	if t.DistanceThreshold == 0 {
		t.DistanceThreshold = threshold
	}
	if t.TTL == 0 {
		t.TTL = Duration(ttl)
	}
	if t.MaxEntries == 0 {
		t.MaxEntries = 5
	}
	if t.MinPayloadLength == 0 {
		t.MinPayloadLength = 20
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "invalid server port: %d (must be 1-65535)", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "shutdown timeout must be positive")
	check(!c.Observability.EnableTelemetry || c.Observability.ServiceName != "",
		"service name required when telemetry is enabled")
	check(oneOf(c.Observability.OTLPProtocol, "grpc", "http/protobuf"),
		"unknown otlp protocol %q", c.Observability.OTLPProtocol)
	check(c.Observability.SamplingRate >= 0 && c.Observability.SamplingRate <= 1,
		"sampling rate %v outside [0, 1]", c.Observability.SamplingRate)

	check(oneOf(c.Clearance.CacheBackend, "memory", "redis"),
		"unknown clearance cache backend %q", c.Clearance.CacheBackend)
	check(c.Clearance.CacheTTL > 0, "clearance cache ttl must be positive")

	check(oneOf(c.Cache.Backend, "chromem", "redis"), "unknown cache backend %q", c.Cache.Backend)
	for name, tier := range map[string]CacheTierConfig{"context": c.Cache.Context, "response": c.Cache.Response} {
		check(tier.DistanceThreshold > 0 && tier.DistanceThreshold <= 2,
			"cache.%s distance threshold %v outside (0, 2]", name, tier.DistanceThreshold)
		check(tier.MaxEntries > 0, "cache.%s max entries must be positive", name)
		check(!tier.Enabled || !tier.Encrypt || c.Cache.EncryptionKey.IsSet(),
			"cache.%s encryption requires cache.encryption_key", name)
	}

	check(oneOf(c.Retrieval.Backend, "qdrant", "chromem", "sql"),
		"unknown retrieval backend %q", c.Retrieval.Backend)
	check(c.Retrieval.TopK > 0, "retrieval top_k must be positive")
	check(validHost(c.Retrieval.QdrantHost), "invalid qdrant host %q", c.Retrieval.QdrantHost)

	check(oneOf(c.LLM.Policy, "strict", "downgrade"), "unknown llm policy %q", c.LLM.Policy)
	check(c.LLM.Primary.Configured(), "llm.primary endpoint is required")

	check(oneOf(c.Database.Driver, "postgres", "sqlite"), "unknown database driver %q", c.Database.Driver)
	check(c.Database.Driver != "postgres" || c.Database.DSN.IsSet(), "database dsn required for postgres")

	check(oneOf(c.Embeddings.Provider, "fastembed", "tei"), "unknown embeddings provider %q", c.Embeddings.Provider)
	check(c.Embeddings.Provider != "tei" || c.Embeddings.BaseURL != "", "embeddings base_url required for tei")

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// validHost rejects hostnames with shell or control characters.
func validHost(h string) bool {
	if h == "" {
		return false
	}
	return !strings.ContainsAny(h, " ;|&$`\n\r\t()<>")
}
