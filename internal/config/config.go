package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/nkkko/liveflow/internal/telemetry"
)

// Config represents the complete application configuration
type Config struct {
	Stream       StreamConfig       `yaml:"stream"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Cache        CacheConfig        `yaml:"cache"`
	API          APIConfig          `yaml:"api"`
	DevServer    DevServerConfig    `yaml:"devserver"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// StreamConfig contains upstream change stream settings
type StreamConfig struct {
	Enabled             bool   `yaml:"enabled"`
	BaseURL             string `yaml:"base_url"`
	EventsPath          string `yaml:"events_path"`
	ScopeParam          string `yaml:"scope_param"`
	Transport           string `yaml:"transport"`
	ReconnectIntervalMs int    `yaml:"reconnect_interval_ms"`
	MaxRetries          int    `yaml:"max_retries"`
	ReconnectGraceMs    int    `yaml:"reconnect_grace_ms"`
}

// EventsURL joins the base URL and the events path
func (s StreamConfig) EventsURL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(s.EventsPath, "/")
}

// InvalidationConfig contains debounce windows
type InvalidationConfig struct {
	ListDelayMs          int `yaml:"list_delay_ms"`
	ScopeDelayMs         int `yaml:"scope_delay_ms"`
	StatusPollIntervalMs int `yaml:"status_poll_interval_ms"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	Size              int    `yaml:"size"`
	ExpirationSeconds int    `yaml:"expiration_seconds"`
	PersistDir        string `yaml:"persist_dir"`
}

// APIConfig contains status API settings
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// DevServerConfig contains dev stream server settings
type DevServerConfig struct {
	Addr             string `yaml:"addr"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	ClientBuffer     int    `yaml:"client_buffer"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			Enabled:             true,
			BaseURL:             "http://localhost:8000",
			EventsPath:          "/api/v1/sse/events",
			ScopeParam:          "scope_id",
			Transport:           "sse",
			ReconnectIntervalMs: 3000,
			MaxRetries:          5,
			ReconnectGraceMs:    100,
		},
		Invalidation: InvalidationConfig{
			ListDelayMs:          1000,
			ScopeDelayMs:         500,
			StatusPollIntervalMs: 1000,
		},
		Cache: CacheConfig{
			Size:              1024,
			ExpirationSeconds: 30,
		},
		API: APIConfig{
			Addr: ":8090",
		},
		DevServer: DevServerConfig{
			Addr:             ":8000",
			HeartbeatSeconds: 15,
			ClientBuffer:     200,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			GlobalFields: map[string]string{},
		},
		Telemetry: telemetry.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// Validate checks values that would otherwise fail later at connect time
func (c *Config) Validate() error {
	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("invalid stream transport %q: must be sse or websocket", c.Stream.Transport)
	}
	if c.Stream.BaseURL == "" {
		return fmt.Errorf("stream base_url is required")
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream max_retries must not be negative")
	}
	if c.Stream.ReconnectIntervalMs < 0 || c.Stream.ReconnectGraceMs < 0 {
		return fmt.Errorf("stream reconnect intervals must not be negative")
	}
	return c.Telemetry.Validate()
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Flags carries command line overrides. Empty values leave the loaded setting alone.
type Flags struct {
	BaseURL    string
	Transport  string
	APIAddr    string
	LogLevel   string
	PersistDir string
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, flags Flags) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags (highest priority)
	if flags.BaseURL != "" {
		config.Stream.BaseURL = flags.BaseURL
	}
	if flags.Transport != "" {
		config.Stream.Transport = flags.Transport
	}
	if flags.APIAddr != "" {
		config.API.Addr = flags.APIAddr
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.PersistDir != "" {
		abs, err := filepath.Abs(flags.PersistDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for persist directory: %w", err)
		}
		config.Cache.PersistDir = abs
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LIVEFLOW_DISABLE_STREAM"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil && disabled {
			config.Stream.Enabled = false
		}
	}
	if v := os.Getenv("LIVEFLOW_STREAM_BASE_URL"); v != "" {
		config.Stream.BaseURL = v
	}
	if v := os.Getenv("LIVEFLOW_STREAM_RECONNECT_INTERVAL_MS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			config.Stream.ReconnectIntervalMs = val
		}
	}
	if v := os.Getenv("LIVEFLOW_STREAM_MAX_RETRIES"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			config.Stream.MaxRetries = val
		}
	}
	if v := os.Getenv("LIVEFLOW_STREAM_TRANSPORT"); v != "" {
		config.Stream.Transport = strings.ToLower(v)
	}

	if v := os.Getenv("LIVEFLOW_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LIVEFLOW_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	if v := os.Getenv("LIVEFLOW_API_ADDR"); v != "" {
		config.API.Addr = v
	}

	if v := os.Getenv("LIVEFLOW_TELEMETRY_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			config.Telemetry.Enabled = enabled
		}
	}
	if v := os.Getenv("LIVEFLOW_OTLP_ENDPOINT"); v != "" {
		config.Telemetry.Endpoint = v
	}
	if v := os.Getenv("LIVEFLOW_OTLP_INSECURE"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			config.Telemetry.Insecure = insecure
		}
	}
}
