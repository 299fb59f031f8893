// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	agate "github.com/cascadelabs/agate/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	LocalAI   LocalAIConfig   `yaml:"local_ai"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings. The gateway always binds to
// loopback; only the port is configurable.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AuthToken       string        `yaml:"auth_token"` // optional inbound bearer
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the loopback listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("127.0.0.1:%d", s.Port) }

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"; empty = per-user default
}

// ProxyConfig holds outbound proxy settings for all upstream HTTPS.
type ProxyConfig struct {
	UpstreamProxy UpstreamProxyConfig `yaml:"upstream_proxy"`
}

// UpstreamProxyConfig is an optional forward proxy for upstream calls.
type UpstreamProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LocalAIConfig enumerates user-run inference servers.
type LocalAIConfig struct {
	Ollama   LocalProviderConfig `yaml:"ollama"`
	LMStudio LocalProviderConfig `yaml:"lmstudio"`
}

// LocalProviderConfig is a single local provider endpoint.
type LocalProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// CacheConfig holds semantic response cache settings.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Threshold        float64       `yaml:"threshold"` // similarity floor for semantic hits
	MaxMemoryEntries int           `yaml:"max_memory_entries"`
	MemoryTTL        time.Duration `yaml:"memory_ttl"`
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

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8045,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		LocalAI: LocalAIConfig{
			Ollama:   LocalProviderConfig{URL: "http://localhost:11434/v1"},
			LMStudio: LocalProviderConfig{URL: "http://localhost:1234/v1"},
		},
		Cache: CacheConfig{
			Enabled:          true,
			Threshold:        0.97,
			MaxMemoryEntries: 2048,
			MemoryTTL:        10 * time.Minute,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", agate.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", agate.ErrConfig, c.Server.Port)
	}
	if c.Proxy.UpstreamProxy.Enabled {
		if c.Proxy.UpstreamProxy.URL == "" {
			return fmt.Errorf("%w: upstream proxy enabled without url", agate.ErrConfig)
		}
		if _, err := url.Parse(c.Proxy.UpstreamProxy.URL); err != nil {
			return fmt.Errorf("%w: upstream proxy url %q", agate.ErrConfig, c.Proxy.UpstreamProxy.URL)
		}
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("%w: cache threshold %v out of (0,1]", agate.ErrConfig, c.Cache.Threshold)
	}
	return nil
}

// DefaultDSN returns the OS-appropriate per-user database path.
func DefaultDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agate.db"
	}
	return filepath.Join(dir, "agate", "agate.db")
}

// ResolveDSN returns the configured DSN or the per-user default, creating the
// parent directory for file-backed databases.
func (c *Config) ResolveDSN() (string, error) {
	dsn := c.Database.DSN
	if dsn == "" {
		dsn = DefaultDSN()
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}
	return dsn, nil
}
