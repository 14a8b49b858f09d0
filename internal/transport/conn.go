package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/internal/significance"
	"github.com/nkkko/liveflow/pkg/proto"
)

// Handler receives decoded events in stream order
type Handler func(proto.ChangeEvent)

// ConnConfig describes one connection
type ConnConfig struct {
	Key     proto.SubscriptionKey
	URL     string
	Opener  Opener
	Handler Handler
	Backoff backoff.Config

	// Optional
	Clock    clock.Clock
	Switch   *backoff.Switch
	OnStatus func(proto.Status)
	Logger   *zerolog.Logger
}

// Conn owns exactly one upstream stream at a time and feeds its lifecycle into a backoff
// controller. Each open runs a single pump goroutine that reads, decodes and dispatches
// events, so a connection's events reach Handler in the order the server sent them.
type Conn struct {
	key     proto.SubscriptionKey
	url     string
	opener  Opener
	handler Handler
	clock   clock.Clock
	logger  zerolog.Logger
	ctrl    *backoff.Controller

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	stream Stream

	wg sync.WaitGroup
}

// NewConn creates a disconnected connection. Call Open to start it.
func NewConn(cfg ConnConfig) *Conn {
	logger := logging.Component("transport")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("key", cfg.Key.String()).Str("transport", cfg.Opener.Name()).Logger()

	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	c := &Conn{
		key:     cfg.Key,
		url:     cfg.URL,
		opener:  cfg.Opener,
		handler: cfg.Handler,
		clock:   clk,
		logger:  logger,
	}

	opts := []backoff.Option{
		backoff.WithClock(clk),
		backoff.WithLogger(logger),
	}
	if cfg.Switch != nil {
		opts = append(opts, backoff.WithSwitch(cfg.Switch))
	}
	if cfg.OnStatus != nil {
		opts = append(opts, backoff.WithStatusHook(cfg.OnStatus))
	}
	c.ctrl = backoff.New(c, cfg.Backoff, opts...)
	return c
}

// Key returns the subscription key this connection serves
func (c *Conn) Key() proto.SubscriptionKey {
	return c.key
}

// URL returns the stream URL
func (c *Conn) URL() string {
	return c.url
}

// Open starts connecting. It returns immediately; progress is visible through Status.
func (c *Conn) Open() {
	c.ctrl.Connect()
}

// Status returns the connection state
func (c *Conn) Status() proto.Status {
	return c.ctrl.Status()
}

// Err returns the last failure, matching backoff.ErrMaxRetries once retries are exhausted
func (c *Conn) Err() error {
	return c.ctrl.Err()
}

// Reconnect performs a manual reconnect with a fresh retry budget
func (c *Conn) Reconnect() {
	c.ctrl.Reconnect()
}

// Disconnect drops the stream and cancels any scheduled retry
func (c *Conn) Disconnect() {
	c.ctrl.Disconnect()
}

// Close stops the connection for good. It is idempotent and does not wait for the pump
// to exit, so it may be called from inside Handler; use Wait for that.
func (c *Conn) Close() {
	c.ctrl.Close()
}

// Wait blocks until every pump started by this connection has exited
func (c *Conn) Wait() {
	c.wg.Wait()
}

// Dial implements backoff.Link
func (c *Conn) Dial() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.url).Msg("Opening stream")
	go c.pump(ctx, gen)
}

// Hangup implements backoff.Link
func (c *Conn) Hangup() {
	c.mu.Lock()
	c.gen++
	cancel, stream := c.cancel, c.stream
	c.cancel, c.stream = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Conn) pump(ctx context.Context, gen uint64) {
	defer c.wg.Done()
	m := metrics.GetMetrics()

	stream, err := c.opener.Open(ctx, c.url)
	if err != nil {
		if ctx.Err() != nil || !c.current(gen) {
			return
		}
		m.ConnectionOpens.WithLabelValues(c.opener.Name(), "error").Inc()
		c.ctrl.Failed(fmt.Errorf("open %s: %w", c.key, err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	m.ConnectionOpens.WithLabelValues(c.opener.Name(), "ok").Inc()
	c.ctrl.Opened()

	for {
		raw, err := stream.Next()
		if err != nil {
			stream.Close()
			if ctx.Err() != nil || !c.current(gen) {
				return
			}
			c.ctrl.Failed(err)
			return
		}
		if !c.current(gen) {
			stream.Close()
			return
		}

		ev, ok := Decode(raw, c.clock.Now())
		if !ok {
			continue
		}
		if !Accepts(ev.Name, c.key.ScopeID) {
			c.logger.Debug().Str("event", raw.Name).Msg("Ignoring event outside subscription")
			continue
		}
		if ev.Opaque {
			m.ParseFailures.Inc()
			c.logger.Debug().Str("event", raw.Name).Int("bytes", len(raw.Data)).Msg("Delivering unparseable payload as opaque")
		}
		m.EventsReceived.WithLabelValues(ev.Name.Kind.String(), metrics.Bool(significance.IsSignificant(ev))).Inc()

		c.handler(ev)
	}
}
