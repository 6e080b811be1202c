// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level process configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Similarity   SimilarityConfig   `yaml:"similarity"`
	Conversation ConversationConfig `yaml:"conversation"`
	Cache        CacheConfig        `yaml:"cache"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProviderTarget is the egress configuration for one detected provider.
type ProviderTarget struct {
	BaseURL    string        `yaml:"base_url"`
	TimeoutMs  int           `yaml:"timeout_ms"`
	ForceHTTP2 bool          `yaml:"force_http2"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds per-provider circuit breaker settings. Nothing reads
// it: every breaker is built from circuitbreaker.DefaultConfig().
type BreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"` // default 0.50
	MinSamples     int           `yaml:"min_samples"`     // default 20
	WindowSeconds  int           `yaml:"window_seconds"`  // default 60
	OpenTimeout    time.Duration `yaml:"open_timeout"`    // default 30s
}

// GatewayConfig holds Capture Gateway Filter and Capture Pipeline bounds.
type GatewayConfig struct {
	MaxCaptureBytes   int                       `yaml:"max_capture_bytes"`   // default 1 MiB
	ChatTimeout       time.Duration             `yaml:"chat_timeout"`        // default 60s
	EmbeddingsTimeout time.Duration             `yaml:"embeddings_timeout"`  // default 30s
	CaptureTimeout    time.Duration             `yaml:"capture_timeout"`     // default 2s
	FallbackTTL       time.Duration             `yaml:"fallback_ttl"`        // default 24h, overridable by FALLBACK_TTL_MS
	FallbackCapacity  int                       `yaml:"fallback_capacity"`   // default 10000
	DrainInterval     time.Duration             `yaml:"drain_interval"`      // default 30s
	Providers         map[string]ProviderTarget `yaml:"providers"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	Backend      string `yaml:"backend"`        // "stub" or "http"
	APIKeyEnv    string `yaml:"api_key_env"`     // env var name, default EMBEDDING_API_KEY
	MaxEmbedChars int   `yaml:"max_embed_chars"` // default 8000
}

// SimilarityConfig tunes C7 classification thresholds and indexing.
type SimilarityConfig struct {
	SameThreshold float64 `yaml:"same_threshold"` // default 0.95
	ForkThreshold float64 `yaml:"fork_threshold"` // default 0.70
	MinIndexRows  int     `yaml:"min_index_rows"` // default 100
}

// ConversationConfig tunes C8 session lifecycle.
type ConversationConfig struct {
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"` // default 30m
}

// CacheConfig tunes the read-through cache in front of the Prompt Store's
// Get path.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`  // default true
	MaxSize int           `yaml:"max_size"` // default 10000 entries
	TTL     time.Duration `yaml:"ttl"`      // default 10s
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and pre-populating every normative default named in the bounded-values
// table before unmarshalling over them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "codepromptu.db",
		},
		Gateway: GatewayConfig{
			MaxCaptureBytes:   1 << 20,
			ChatTimeout:       60 * time.Second,
			EmbeddingsTimeout: 30 * time.Second,
			CaptureTimeout:    2 * time.Second,
			FallbackTTL:       24 * time.Hour,
			FallbackCapacity:  10_000,
			DrainInterval:     30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Backend:       "stub",
			APIKeyEnv:     "EMBEDDING_API_KEY",
			MaxEmbedChars: 8_000,
		},
		Similarity: SimilarityConfig{
			SameThreshold: 0.95,
			ForkThreshold: 0.70,
			MinIndexRows:  100,
		},
		Conversation: ConversationConfig{
			SessionIdleTimeout: 30 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 10_000,
			TTL:     10 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if ttl, ok := os.LookupEnv("FALLBACK_TTL_MS"); ok {
		var ms int64
		if _, err := fmt.Sscanf(ttl, "%d", &ms); err == nil {
			cfg.Gateway.FallbackTTL = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg, nil
}
