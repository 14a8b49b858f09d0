// Package backoff implements the reconnect state machine shared by every stream connection.
//
// A Controller drives a Link through disconnected, connecting, connected and error. Open
// failures schedule a retry after a fixed interval until MaxRetries scheduled retries have
// been spent; after that the controller parks in disconnected with ErrMaxRetries until
// Reconnect is called.
package backoff

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/pkg/proto"
)

// ErrMaxRetries is matched by the terminal error recorded once retries are exhausted
var ErrMaxRetries = errors.New("max retries exceeded")

// RetryExhaustedError is the LastError of a controller that gave up
type RetryExhaustedError struct {
	MaxRetries int
	Last       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded", e.MaxRetries)
}

// Is reports ErrMaxRetries
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrMaxRetries
}

// Unwrap returns the failure that used up the last retry
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Config is the retry policy of one connection
type Config struct {
	// ReconnectInterval is the fixed delay before an automatic retry
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// MaxRetries bounds the number of automatic retries scheduled after consecutive failures
	MaxRetries int `yaml:"max_retries"`
	// ReconnectGrace is the pause between the disconnect and connect halves of Reconnect
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
}

// DefaultConfig returns the stock policy: 3s interval, 5 retries, 100ms grace
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 3 * time.Second,
		MaxRetries:        5,
		ReconnectGrace:    100 * time.Millisecond,
	}
}

// Merge returns c with every non-zero field of override applied
func (c Config) Merge(override Config) Config {
	if override.ReconnectInterval > 0 {
		c.ReconnectInterval = override.ReconnectInterval
	}
	if override.MaxRetries > 0 {
		c.MaxRetries = override.MaxRetries
	}
	if override.ReconnectGrace > 0 {
		c.ReconnectGrace = override.ReconnectGrace
	}
	return c
}

// Link is the transport side of a controller. Dial starts opening a stream and must report
// the outcome later through Opened or Failed, never synchronously from inside Dial.
// Hangup drops the current stream if any. Both are called without the controller's lock held.
type Link interface {
	Dial()
	Hangup()
}

// Option configures a Controller
type Option func(*Controller)

// WithClock sets the clock used for retry and grace timers
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// WithSwitch gates Connect on a shared kill switch
func WithSwitch(s *Switch) Option {
	return func(c *Controller) {
		c.gate = s
	}
}

// WithLogger sets the controller's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStatusHook registers fn to observe every status transition.
// fn runs without the controller lock held.
func WithStatusHook(fn func(proto.Status)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// Controller is the retry state machine for one connection
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	link     Link
	clock    clock.Clock
	gate     *Switch
	logger   zerolog.Logger
	onChange func(proto.Status)

	state   proto.ConnState
	retries int
	lastErr error
	closed  bool

	// timer is the pending retry or grace timer; gen invalidates fires that lost a race with Stop
	timer clock.Timer
	gen   uint64

	unwatch func()
}

// New creates a disconnected controller for link
func New(link Link, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    DefaultConfig().Merge(cfg),
		link:   link,
		clock:  clock.WallClock,
		logger: logging.Component("backoff"),
		state:  proto.StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate != nil {
		c.unwatch = c.gate.OnChange(func(enabled bool) {
			if !enabled {
				c.Disconnect()
			}
		})
	}
	return c
}

// Config returns the effective policy
func (c *Controller) Config() Config {
	return c.cfg
}

// Status returns the current state, retry count and last error
func (c *Controller) Status() proto.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() proto.Status {
	st := proto.Status{State: c.state, RetryCount: c.retries}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Err returns the last recorded error, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect moves a disconnected or errored controller to connecting and dials.
// It is a no-op while the kill switch is off, after Close, or when already connecting or connected.
func (c *Controller) Connect() {
	c.mu.Lock()
	if !c.connectLocked() {
		c.mu.Unlock()
		return
	}
	st := c.statusLocked()
	c.mu.Unlock()

	c.link.Dial()
	c.notify(st)
}

func (c *Controller) connectLocked() bool {
	if c.closed || (c.gate != nil && !c.gate.Enabled()) {
		return false
	}
	if c.state == proto.StateConnecting || c.state == proto.StateConnected {
		return false
	}
	c.stopTimerLocked()
	c.state = proto.StateConnecting
	return true
}

// Opened records a successful open. The retry count and last error are cleared.
func (c *Controller) Opened() {
	c.mu.Lock()
	if c.closed || c.state != proto.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = proto.StateConnected
	c.retries = 0
	c.lastErr = nil
	st := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("Stream connected")
	c.notify(st)
}

// Failed records a transport error. The current stream is hung up and a retry is scheduled
// when the budget allows, otherwise the controller parks in disconnected.
// Failures reported while not connecting or connected are stale and ignored.
func (c *Controller) Failed(err error) {
	if err == nil {
		err = errors.New("stream error")
	}

	c.mu.Lock()
	if c.closed || (c.state != proto.StateConnecting && c.state != proto.StateConnected) {
		c.mu.Unlock()
		return
	}

	c.stopTimerLocked()
	exhausted := c.retries >= c.cfg.MaxRetries
	if exhausted {
		c.state = proto.StateDisconnected
		c.lastErr = &RetryExhaustedError{MaxRetries: c.cfg.MaxRetries, Last: err}
	} else {
		// counted when scheduled so the bound is exact
		c.retries++
		c.state = proto.StateError
		c.lastErr = err
		c.scheduleLocked(c.cfg.ReconnectInterval)
	}
	retries := c.retries
	st := c.statusLocked()
	c.mu.Unlock()

	c.link.Hangup()

	m := metrics.GetMetrics()
	if exhausted {
		m.ConnectionRetries.WithLabelValues("exhausted").Inc()
		c.logger.Error().Err(err).Int("max_retries", c.cfg.MaxRetries).Msg("Giving up on stream")
	} else {
		m.ConnectionRetries.WithLabelValues("scheduled").Inc()
		c.logger.Warn().Err(err).
			Int("attempt", retries).
			Int("max_retries", c.cfg.MaxRetries).
			Dur("delay", c.cfg.ReconnectInterval).
			Msg("Stream failed, retry scheduled")
	}
	c.notify(st)
}

// Disconnect hangs up and cancels any scheduled retry or pending reconnect.
// The retry count is kept so that a terminal failure stays visible.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	if c.state == proto.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = proto.StateDisconnected
	st := c.statusLocked()
	c.mu.Unlock()

	c.link.Hangup()
	c.logger.Debug().Msg("Stream disconnected")
	c.notify(st)
}

// Reconnect disconnects, clears the retry budget and connects again after the grace delay.
// It is the only way out of the terminal max-retries state.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	wasUp := c.state != proto.StateDisconnected
	c.state = proto.StateDisconnected
	c.retries = 0
	c.lastErr = nil
	c.scheduleLocked(c.cfg.ReconnectGrace)
	st := c.statusLocked()
	c.mu.Unlock()

	if wasUp {
		c.link.Hangup()
	}
	metrics.GetMetrics().ConnectionRetries.WithLabelValues("manual").Inc()
	c.logger.Info().Dur("grace", c.cfg.ReconnectGrace).Msg("Manual reconnect")
	c.notify(st)
}

// Close disconnects and makes every later call a no-op. It is safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	wasUp := c.state != proto.StateDisconnected
	c.state = proto.StateDisconnected
	st := c.statusLocked()
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if wasUp {
		c.link.Hangup()
	}
	c.notify(st)
}

// Pending reports whether a retry or grace timer is armed
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Controller) scheduleLocked(d time.Duration) {
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() { c.fire(gen) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

// fire runs when a retry or grace timer elapses
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if !c.connectLocked() {
		c.mu.Unlock()
		return
	}
	retries := c.retries
	st := c.statusLocked()
	c.mu.Unlock()

	c.logger.Debug().Int("attempt", retries).Msg("Reconnecting")
	c.link.Dial()
	c.notify(st)
}

func (c *Controller) notify(st proto.Status) {
	if c.onChange != nil {
		c.onChange(st)
	}
}
