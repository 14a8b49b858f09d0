// Package engine wires the live-update components of a process together: the shared
// connection registry, the query cache it invalidates, the kill switch and the status API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/liveflow/internal/api"
	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/hook"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/querycache"
	"github.com/nkkko/liveflow/internal/registry"
	"github.com/nkkko/liveflow/internal/telemetry"
	"github.com/nkkko/liveflow/internal/transport"
	"github.com/nkkko/liveflow/pkg/proto"
)

// Config contains engine configuration parameters
type Config struct {
	// StreamEnabled is the initial position of the live-updates switch
	StreamEnabled bool

	// Transport is "sse" or "websocket"
	Transport string

	Registry registry.Config
	Cache    querycache.Config

	// PersistDir enables the badger tier of the query cache
	PersistDir string

	API api.Config
	// DisableAPI skips the status API server
	DisableAPI bool

	ListDelay    time.Duration
	ScopeDelay   time.Duration
	PollInterval time.Duration

	Telemetry telemetry.Config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		StreamEnabled: true,
		Transport:     "sse",
		Registry:      registry.DefaultConfig(),
		Cache:         querycache.DefaultConfig(),
		API:           api.DefaultConfig(),
		ListDelay:     time.Second,
		ScopeDelay:    500 * time.Millisecond,
		PollInterval:  time.Second,
		Telemetry:     telemetry.DefaultConfig(),
	}
}

// Option configures an Engine
type Option func(*options)

type options struct {
	clock  clock.Clock
	opener transport.Opener
}

// WithClock sets the clock of every timer-driven component
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithOpener replaces the stream opener picked from Config.Transport
func WithOpener(opener transport.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// ErrShutdown is returned when watching on an engine that has shut down
var ErrShutdown = errors.New("engine is shut down")

// Engine owns the process-wide live-update components
type Engine struct {
	config   Config
	clock    clock.Clock
	gate     *backoff.Switch
	registry *registry.Registry
	cache    *querycache.Cache
	api      *api.API
	logger   zerolog.Logger

	telemetryFn func(context.Context) error

	mu       sync.Mutex
	hooks    []*hook.Hook
	shutdown bool
	once     sync.Once
	err      error
}

// OpenerFor returns the stream opener for a transport name
func OpenerFor(name string) (transport.Opener, error) {
	switch name {
	case "", "sse":
		return transport.NewSSEOpener(), nil
	case "websocket":
		return transport.NewWebSocketOpener(nil, nil), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", name)
	}
}

// CreateEngine creates a new Engine with all components initialized from config
func CreateEngine(config Config, opts ...Option) (*Engine, error) {
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}

	if o.opener == nil {
		opener, err := OpenerFor(config.Transport)
		if err != nil {
			return nil, err
		}
		o.opener = opener
	}

	cacheOpts := []querycache.Option{querycache.WithClock(o.clock)}
	if config.PersistDir != "" {
		store, err := querycache.OpenBadgerStore(config.PersistDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache store: %w", err)
		}
		cacheOpts = append(cacheOpts, querycache.WithStore(store))
	}
	cache, err := querycache.New(config.Cache, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	gate := backoff.NewSwitch(config.StreamEnabled)
	reg := registry.New(config.Registry, o.opener,
		registry.WithClock(o.clock),
		registry.WithSwitch(gate),
	)

	e := &Engine{
		config:   config,
		clock:    o.clock,
		gate:     gate,
		registry: reg,
		cache:    cache,
		logger:   logging.Component("engine"),
	}
	if !config.DisableAPI {
		e.api = api.NewAPI(config.API, reg, gate)
	}

	e.logger.Info().
		Str("events_url", config.Registry.EventsURL).
		Str("transport", o.opener.Name()).
		Bool("enabled", config.StreamEnabled).
		Bool("persistent_cache", config.PersistDir != "").
		Msg("Engine created")
	return e, nil
}

// Registry returns the shared connection registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Cache returns the query cache
func (e *Engine) Cache() *querycache.Cache {
	return e.cache
}

// Switch returns the live-updates kill switch
func (e *Engine) Switch() *backoff.Switch {
	return e.gate
}

// API returns the status API, nil when disabled
func (e *Engine) API() *api.API {
	return e.api
}

// WatchWorkflows attaches the workflow realtime preset to the engine's registry and cache.
// The hook is closed with the engine.
func (e *Engine) WatchWorkflows(workflowIDs []string, onEvent func(proto.ChangeEvent)) (*hook.Hook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil, ErrShutdown
	}

	h, err := hook.WorkflowRealtime(e.registry, e.cache, hook.WorkflowRealtimeOptions{
		WorkflowIDs: workflowIDs,
		ListDelay:   e.config.ListDelay,
		ScopeDelay:  e.config.ScopeDelay,
		Clock:       e.clock,
		OnEvent:     onEvent,
	}, hook.WithClock(e.clock), hook.WithPollInterval(e.config.PollInterval))
	if err != nil {
		return nil, err
	}
	e.hooks = append(e.hooks, h)
	return h, nil
}

// Start runs the engine until ctx is done, then shuts it down
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting liveflow engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.Telemetry)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	if e.api != nil {
		g.Go(func() error {
			return e.api.Start(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Liveflow engine shut down successfully")
	return nil
}

// Shutdown closes every hook, the registry and the cache. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.once.Do(func() {
		e.logger.Info().Msg("Shutting down liveflow engine")

		e.mu.Lock()
		e.shutdown = true
		hooks := e.hooks
		e.hooks = nil
		e.mu.Unlock()

		for _, h := range hooks {
			h.Close()
		}

		if err := e.registry.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down registry")
			e.err = err
		}

		if err := e.cache.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close query cache")
			if e.err == nil {
				e.err = err
			}
		}

		if e.telemetryFn != nil {
			if err := e.telemetryFn(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}
	})
	return e.err
}
