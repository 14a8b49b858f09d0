package config

import (
	"time"

	"github.com/nkkko/liveflow/internal/api"
	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/engine"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/querycache"
	"github.com/nkkko/liveflow/internal/registry"
	"github.com/nkkko/liveflow/internal/streamserver"
	"github.com/nkkko/liveflow/internal/telemetry"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ToBackoffConfig converts to the default retry policy
func (c *Config) ToBackoffConfig() backoff.Config {
	return backoff.Config{
		ReconnectInterval: millis(c.Stream.ReconnectIntervalMs),
		MaxRetries:        c.Stream.MaxRetries,
		ReconnectGrace:    millis(c.Stream.ReconnectGraceMs),
	}
}

// ToRegistryConfig converts to registry config
func (c *Config) ToRegistryConfig() registry.Config {
	return registry.Config{
		EventsURL:  c.Stream.EventsURL(),
		ScopeParam: c.Stream.ScopeParam,
		Backoff:    c.ToBackoffConfig(),
	}
}

// ToCacheConfig converts to query cache config
func (c *Config) ToCacheConfig() querycache.Config {
	return querycache.Config{
		Size:       c.Cache.Size,
		Expiration: time.Duration(c.Cache.ExpirationSeconds) * time.Second,
	}
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr: c.API.Addr,
	}
}

// ToStreamServerConfig converts to dev stream server config
func (c *Config) ToStreamServerConfig() streamserver.Config {
	cfg := streamserver.DefaultConfig()
	cfg.Addr = c.DevServer.Addr
	cfg.HeartbeatInterval = time.Duration(c.DevServer.HeartbeatSeconds) * time.Second
	if c.DevServer.ClientBuffer > 0 {
		cfg.ClientBuffer = c.DevServer.ClientBuffer
	}
	return cfg
}

// ToEngineConfig converts the central config to an engine config
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		StreamEnabled: c.Stream.Enabled,
		Transport:     c.Stream.Transport,
		Registry:      c.ToRegistryConfig(),
		Cache:         c.ToCacheConfig(),
		PersistDir:    c.Cache.PersistDir,
		API:           c.ToAPIConfig(),
		ListDelay:     millis(c.Invalidation.ListDelayMs),
		ScopeDelay:    millis(c.Invalidation.ScopeDelayMs),
		PollInterval:  millis(c.Invalidation.StatusPollIntervalMs),
		Telemetry:     c.ToTelemetryConfig(),
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	var format logging.LogFormat
	switch c.Logging.Format {
	case "json":
		format = logging.FormatJSON
	case "console":
		format = logging.FormatConsole
	default:
		format = logging.FormatConsole
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig returns the telemetry section, filling an empty service name
func (c *Config) ToTelemetryConfig() telemetry.Config {
	tc := c.Telemetry
	if tc.ServiceName == "" {
		tc.ServiceName = "liveflow"
	}
	return tc
}
