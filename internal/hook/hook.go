// Package hook is the consumer-facing entry point for live updates. A Hook holds one
// subscriber registration, re-registers it when its filters or scope change and exposes
// the serving connection's status.
package hook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/registry"
	"github.com/nkkko/liveflow/internal/significance"
	"github.com/nkkko/liveflow/pkg/proto"
)

// generateID creates subscriber ids. Tests replace it.
var generateID = func() string {
	return uuid.NewString()
}

// Registry is the part of *registry.Registry a hook uses
type Registry interface {
	Subscribe(id string, opts registry.SubscribeOptions) error
	Unsubscribe(id string)
	Status(id string) proto.Status
	Reconnect(id string) error
}

// Options declares a hook's interest
type Options struct {
	Filters []string
	ScopeID string
	// OnEvent receives every event of the connection, significant or not
	OnEvent func(proto.ChangeEvent)
	// OnSignificant receives only events that pass the significance filter
	OnSignificant func(proto.ChangeEvent)
	Enabled       bool
	// Backoff overrides the registry's retry policy when this hook creates the connection
	Backoff backoff.Config
}

func (o Options) key() proto.SubscriptionKey {
	return proto.NewSubscriptionKey(o.Filters, o.ScopeID)
}

// Option configures a Hook
type Option func(*Hook)

// WithClock sets the clock used by Watch
func WithClock(clk clock.Clock) Option {
	return func(h *Hook) {
		h.clock = clk
	}
}

// WithPollInterval sets how often Watch samples the status
func WithPollInterval(d time.Duration) Option {
	return func(h *Hook) {
		h.pollInterval = d
	}
}

// Hook is one consumer's subscription
type Hook struct {
	reg          Registry
	clock        clock.Clock
	pollInterval time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	opts   Options
	id     string // empty while inactive
	closed bool
	done   chan struct{}
}

// New creates a hook and subscribes immediately when opts.Enabled is set
func New(reg Registry, opts Options, hopts ...Option) (*Hook, error) {
	h := &Hook{
		reg:          reg,
		clock:        clock.WallClock,
		pollInterval: time.Second,
		logger:       logging.Component("hook"),
		done:         make(chan struct{}),
	}
	for _, opt := range hopts {
		opt(h)
	}

	if err := h.Update(opts); err != nil {
		return nil, err
	}
	return h, nil
}

// Update applies new options. A changed key or a disable unsubscribes the old registration;
// an enabled hook with a new key subscribes again under a fresh subscriber id.
func (h *Hook) Update(opts Options) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return registry.ErrClosed
	}

	oldID, oldKey := h.id, h.opts.key()
	h.opts = opts

	if oldID != "" && (!opts.Enabled || opts.key() != oldKey) {
		h.reg.Unsubscribe(oldID)
		h.id = ""
		h.logger.Debug().Str("subscriber_id", oldID).Str("key", oldKey.String()).Msg("Hook deactivated")
	}
	if !opts.Enabled {
		return nil
	}

	id := h.id
	if id == "" {
		id = generateID()
	}
	err := h.reg.Subscribe(id, registry.SubscribeOptions{
		Filters: opts.Filters,
		ScopeID: opts.ScopeID,
		OnEvent: wrap(opts),
		Backoff: opts.Backoff,
	})
	if err != nil {
		h.id = ""
		return err
	}
	if h.id == "" {
		h.logger.Debug().Str("subscriber_id", id).Str("key", opts.key().String()).Msg("Hook activated")
	}
	h.id = id
	return nil
}

// wrap applies the significance filter in front of OnSignificant
func wrap(opts Options) func(proto.ChangeEvent) {
	return func(ev proto.ChangeEvent) {
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
		if opts.OnSignificant != nil && significance.IsSignificant(ev) {
			opts.OnSignificant(ev)
		}
	}
}

// SetEnabled toggles the hook, keeping its other options
func (h *Hook) SetEnabled(enabled bool) error {
	h.mu.Lock()
	opts := h.opts
	h.mu.Unlock()

	opts.Enabled = enabled
	return h.Update(opts)
}

// ID returns the current subscriber id, empty while inactive
func (h *Hook) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Status returns the status of the connection serving this hook
func (h *Hook) Status() proto.Status {
	id := h.ID()
	if id == "" {
		return proto.Status{State: proto.StateDisconnected}
	}
	return h.reg.Status(id)
}

// Reconnect is the manual reconnect affordance
func (h *Hook) Reconnect() error {
	id := h.ID()
	if id == "" {
		return registry.ErrUnknownSubscriber
	}
	return h.reg.Reconnect(id)
}

// Close unsubscribes for good. It is idempotent and never fails, even when the
// connection has already been torn down elsewhere.
func (h *Hook) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	if h.id != "" {
		h.reg.Unsubscribe(h.id)
		h.id = ""
	}
}

// Watch pushes the hook's status whenever it changes, sampling every poll interval.
// The current status is sent first. The channel closes when ctx ends or the hook is closed.
func (h *Hook) Watch(ctx context.Context) <-chan proto.Status {
	ch := make(chan proto.Status, 1)

	go func() {
		defer close(ch)

		var last proto.Status
		first := true
		for {
			st := h.Status()
			if first || st != last {
				select {
				case ch <- st:
				case <-ctx.Done():
					return
				case <-h.done:
					return
				}
				last, first = st, false
			}

			select {
			case <-h.clock.After(h.pollInterval):
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
	}()

	return ch
}
